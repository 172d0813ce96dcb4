package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/av-coders/avlink/internal/api"
	"github.com/av-coders/avlink/internal/bridge"
	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/infrastructure/config"
	"github.com/av-coders/avlink/internal/infrastructure/influxdb"
	"github.com/av-coders/avlink/internal/infrastructure/logging"
	"github.com/av-coders/avlink/internal/infrastructure/mqtt"
	"github.com/av-coders/avlink/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transport daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), config.ResolvePath(cfgFile))
	},
}

// run is the daemon itself, separated from the command for testability.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//   - configPath: Path to the YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting avlinkd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	registry := device.NewRegistry(log.Component("device"))
	if err := registry.Load(cfg.Devices); err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	defer func() {
		log.Info("closing device connections")
		if closeErr := registry.Close(); closeErr != nil {
			log.Error("error closing devices", "error", closeErr)
		}
	}()
	log.Info("device registry initialised", "devices", registry.Count())

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, log.Component("mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		br, brErr := bridge.New(bridge.Options{
			MQTT:      mqttClient,
			Registry:  registry,
			PublishTx: cfg.MQTT.PublishTx,
			Logger:    log.Component("bridge"),
		})
		if brErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", brErr)
		}
		if startErr := br.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			br.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.Telemetry.Enabled {
		sampler, sErr := newSampler(cfg, registry, mqttClient, influxClient, log)
		if sErr != nil {
			return fmt.Errorf("creating telemetry sampler: %w", sErr)
		}
		sampler.Start()
		defer sampler.Stop()
		log.Info("telemetry sampler started", "interval", cfg.GetTelemetryInterval())
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Registry: registry,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	started := registry.Start()
	log.Info("initialisation complete, waiting for shutdown signal", "auto_connected", started)

	<-ctx.Done()

	// Deferred closes run in reverse order: API, telemetry, InfluxDB,
	// bridge, MQTT, then the device connections.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// newSampler wires the stats sampler to whichever sinks are enabled.
// The interface fields stay nil for disabled sinks.
func newSampler(cfg *config.Config, registry *device.Registry, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*telemetry.Sampler, error) {
	opts := telemetry.Options{
		Devices:  registry,
		Interval: cfg.GetTelemetryInterval(),
		Logger:   log.Component("telemetry"),
	}
	if influxClient != nil {
		opts.Writer = influxClient
	}
	if mqttClient != nil {
		opts.Publish = mqttClient
	}
	return telemetry.New(opts)
}
