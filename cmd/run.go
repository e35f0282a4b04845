// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meta-boy/miragekit-client/confengine"
	"github.com/meta-boy/miragekit-client/control"
	"github.com/meta-boy/miragekit-client/decoder"
	"github.com/meta-boy/miragekit-client/devicestore"
	"github.com/meta-boy/miragekit-client/internal/eventbus"
	"github.com/meta-boy/miragekit-client/internal/sigs"
	"github.com/meta-boy/miragekit-client/logger"
	"github.com/meta-boy/miragekit-client/server"
	"github.com/meta-boy/miragekit-client/session"
	"github.com/meta-boy/miragekit-client/wire"
)

type runCmdConfig struct {
	configPath    string
	devicePath    string
	listenAddr    string
	decodeLatency time.Duration
	simStreamID   uint16
	simWidth      int
	simHeight     int
}

var runConfig runCmdConfig

// loggingChannel is the control.Channel used when no real control-channel
// transport is wired: it just logs, since this repo's scope stops at
// session.Controller and the wire framing for keyframe requests belongs to
// a transport layer this module does not implement.
type loggingChannel struct{}

func (loggingChannel) SendKeyframeRequest(streamID wire.StreamId) error {
	logger.Infof("control: keyframe request for stream %d", streamID)
	return nil
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}
	logger.SetOptions(opts)
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client transport pipeline against a UDP data port",
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := confengine.LoadConfigPath(runConfig.configPath)
		if err != nil {
			conf, err = confengine.LoadContent([]byte("logger:\n  stdout: true\n"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load fallback config: %v\n", err)
				os.Exit(1)
			}
		}
		if err := setupLogger(conf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure logger: %v\n", err)
			os.Exit(1)
		}

		rec, err := devicestore.Load(runConfig.devicePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load device record: %v\n", err)
			os.Exit(1)
		}
		logger.Infof("device id: %s", rec.DeviceID)

		conn, err := net.ListenPacket("udp", runConfig.listenAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind data port: %v\n", err)
			os.Exit(1)
		}

		createSession := decoder.NewLoopbackSessionFactory(runConfig.decodeLatency)
		ctr := session.NewController(loggingChannel{}, createSession)

		sub := ctr.Bus().Subscribe(32)
		go watchEvents(sub)

		svr, err := server.New(conf)
		if err != nil {
			logger.Warnf("debug server disabled: %v", err)
		}
		if svr != nil {
			metricsHandler := promhttp.Handler()
			svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
				metricsHandler.ServeHTTP(w, r)
			})
			go func() {
				if err := svr.ListenAndServe(); err != nil {
					logger.Errorf("debug server stopped: %v", err)
				}
			}()
		}

		ctr.Start(conn)
		logger.Infof("listening for datagrams on %s", conn.LocalAddr())

		if runConfig.simStreamID != 0 {
			ctr.HandleStreamStarted(control.StreamStarted{
				StreamID:  wire.StreamId(runConfig.simStreamID),
				MinWidth:  runConfig.simWidth,
				MinHeight: runConfig.simHeight,
			})
			logger.Infof("simulated stream %d started", runConfig.simStreamID)
		}

		<-sigs.Terminate()
		if err := ctr.Stop(); err != nil {
			logger.Errorf("error stopping controller: %v", err)
		}
	},
	Example: "# miragekit-client run --listen 0.0.0.0:7788 --sim-stream 1",
}

func watchEvents(sub eventbus.Subscription) {
	for {
		ev, ok := sub.PopTimeout(time.Second)
		if !ok {
			continue
		}
		switch ev.Kind {
		case eventbus.KindStreamRecovery:
			logger.Infof("stream %d entered recovery", ev.StreamID)
		case eventbus.KindDimensionChange:
			logger.Infof("stream %d changed dimensions", ev.StreamID)
		case eventbus.KindFatalError:
			logger.Errorf("stream %d fatal error: %v", ev.StreamID, ev.Err)
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runConfig.configPath, "config", "miragekit.yaml", "Configuration file path")
	runCmd.Flags().StringVar(&runConfig.devicePath, "device-file", "miragekit-device.cbor", "Path to the persisted device-identity record")
	runCmd.Flags().StringVar(&runConfig.listenAddr, "listen", "0.0.0.0:7788", "UDP address to receive frame datagrams on")
	runCmd.Flags().DurationVar(&runConfig.decodeLatency, "decode-latency", 0, "Artificial decode turnaround latency for the loopback decoder simulation")
	runCmd.Flags().Uint16Var(&runConfig.simStreamID, "sim-stream", 0, "If nonzero, immediately simulate a StreamStarted for this streamId")
	runCmd.Flags().IntVar(&runConfig.simWidth, "sim-min-width", 0, "MinWidth for the simulated StreamStarted")
	runCmd.Flags().IntVar(&runConfig.simHeight, "sim-min-height", 0, "MinHeight for the simulated StreamStarted")
	rootCmd.AddCommand(runCmd)
}
