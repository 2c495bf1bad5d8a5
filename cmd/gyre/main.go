/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"os"

	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/piercuta/gyre/internal/config"
	"github.com/piercuta/gyre/internal/git"
	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/internal/manifest"
	"github.com/piercuta/gyre/internal/metrics"
	"github.com/piercuta/gyre/internal/report"
	"github.com/piercuta/gyre/internal/scheduler"
	"github.com/piercuta/gyre/internal/server"
	"github.com/piercuta/gyre/internal/syncer"
	"github.com/piercuta/gyre/internal/webhook"
)

const version = "0.1.0"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/gyre/config.yaml", "Path to the engine configuration file.")
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog := ctrl.Log.WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}

	setupLog.Info("starting gyre",
		"version", version,
		"config", configPath,
		"applications", len(cfg.Applications),
	)

	restCfg, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		setupLog.Error(err, "unable to build cluster config")
		os.Exit(1)
	}

	kubeClient, err := kube.New(restCfg)
	if err != nil {
		setupLog.Error(err, "unable to build cluster client")
		os.Exit(1)
	}
	ctrlClient, err := client.New(restCfg, client.Options{})
	if err != nil {
		setupLog.Error(err, "unable to build controller client")
		os.Exit(1)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		setupLog.Error(err, "unable to build clientset")
		os.Exit(1)
	}

	// Events and status ConfigMaps land in the engine's own namespace.
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}

	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: clientset.CoreV1().Events(""),
	})
	defer broadcaster.Shutdown()
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: "gyre"})

	engineMetrics := metrics.NewEngineMetrics()

	reporters := []report.Reporter{
		report.LogReporter{},
		&report.ConfigMapReporter{Client: ctrlClient, Namespace: namespace},
		&report.EventReporter{Recorder: recorder, Namespace: namespace},
	}
	if cfg.Notifier != nil {
		reporters = append(reporters, report.NewNotifier(cfg.Notifier.Endpoint, cfg.NotifierAPIKey()))
	}

	healthServer := server.NewHealthServer(cfg.HealthAddr)

	sched := scheduler.New(scheduler.Options{
		Loader: &manifest.Store{
			Git:       &git.GoGitClient{},
			CacheRoot: cfg.CacheDir,
		},
		Kube: kubeClient,
		Executor: &syncer.Executor{
			Client: kubeClient,
			Sem:    semaphore.NewWeighted(int64(cfg.SyncConcurrency)),
		},
		Reporter:       &report.Fanout{Reporters: reporters},
		Metrics:        engineMetrics,
		ObserveTimeout: cfg.ObserveTimeout.Duration,
		HistoryLimit:   cfg.HistoryLimit,
		OnReady:        healthServer.MarkReady,
		Applications:   cfg.Applications,
	})

	receiver := &webhook.Receiver{
		Scheduler: sched,
		Secret:    cfg.WebhookSecret(),
		Addr:      cfg.WebhookAddr,
		Requests:  engineMetrics.WebhookRequests,
	}

	ctx := ctrl.SetupSignalHandler()

	go healthServer.Start(ctx)
	go server.NewStatusServer(cfg.StatusAddr, sched).Start(ctx)
	go server.NewMetricsServer(cfg.MetricsAddr, engineMetrics.Handler()).Start(ctx)
	go func() {
		if err := receiver.Start(ctx); err != nil {
			setupLog.Error(err, "webhook receiver failed")
		}
	}()

	if err := sched.Run(ctx); err != nil {
		setupLog.Error(err, "scheduler exited")
		os.Exit(1)
	}
}

// restConfig builds cluster access from an explicit kubeconfig path, or from
// the usual in-cluster/KUBECONFIG resolution when the path is empty.
func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return ctrl.GetConfig()
}
