// Command gomqtt is a thin connect/pub/sub CLI over the gomqtt client
// library, useful for manual testing against a broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbergen/gomqtt/client"
	"github.com/sbergen/gomqtt/config"
	"github.com/sbergen/gomqtt/packets"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	host       string
	port       uint16
	clientID   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gomqtt",
		Short: "Minimal MQTT 3.1.1 client CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file")
	root.PersistentFlags().StringVar(&host, "host", "localhost", "broker host (overridden by --config)")
	root.PersistentFlags().Uint16Var(&port, "port", 1883, "broker port")
	root.PersistentFlags().StringVar(&clientID, "client-id", "", "MQTT client id (default: generated)")
	root.AddCommand(newConnectCommand(), newSubCommand(), newPubCommand())
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Transport.Tcp == nil && cfg.Transport.Ws == nil {
		cfg.Transport.Tcp = &config.TCPOptions{Host: host, Port: port}
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}
	if cfg.KeepAliveSeconds == 0 {
		cfg.KeepAliveSeconds = 30
	}
	return cfg, nil
}

func startAndConnect(ctx context.Context, cfg config.Config, log *zap.Logger) (*client.Client, <-chan client.Update, error) {
	updates := make(chan client.Update, 16)
	c, err := config.Start(cfg, updates, nil, log)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, updates, nil
}

func newConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a broker and print connection-state updates until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _ := zap.NewDevelopment()
			defer log.Sync()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			c, updates, err := startAndConnect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Println("connected")
			for {
				select {
				case u, ok := <-updates:
					if !ok {
						return nil
					}
					if u.Kind == client.UpdateConnectionStateChanged {
						fmt.Printf("state: %v\n", u.State)
					}
				case <-ctx.Done():
					c.Disconnect()
					return nil
				}
			}
		},
	}
	return cmd
}

func newSubCommand() *cobra.Command {
	var filter string
	var qos uint8
	cmd := &cobra.Command{
		Use:   "sub",
		Short: "Subscribe to a topic filter and print received messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _ := zap.NewDevelopment()
			defer log.Sync()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			c, updates, err := startAndConnect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			if _, err := c.Subscribe(ctx, []packets.SubscribeRequest{{Filter: filter, QoS: packets.QoS(qos)}}); err != nil {
				return err
			}
			for {
				select {
				case u, ok := <-updates:
					if !ok {
						return nil
					}
					if u.Kind == client.UpdateReceivedMessage {
						fmt.Printf("%s: %s\n", u.Topic, u.Payload)
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "#", "topic filter to subscribe to")
	cmd.Flags().Uint8Var(&qos, "qos", 0, "requested QoS (0, 1, or 2)")
	return cmd
}

func newPubCommand() *cobra.Command {
	var topic, payload string
	var qos uint8
	var retain bool
	cmd := &cobra.Command{
		Use:   "pub",
		Short: "Publish one message and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _ := zap.NewDevelopment()
			defer log.Sync()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			c, _, err := startAndConnect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			err = c.Publish(ctx, packets.MessageData{
				Topic:   topic,
				Payload: []byte(payload),
				QoS:     packets.QoS(qos),
				Retain:  retain,
			})
			if err != nil {
				return err
			}
			c.Disconnect()
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to publish to")
	cmd.Flags().StringVar(&payload, "payload", "", "message payload")
	cmd.Flags().Uint8Var(&qos, "qos", 0, "QoS to publish at (0, 1, or 2)")
	cmd.Flags().BoolVar(&retain, "retain", false, "set the retain flag")
	cmd.MarkFlagRequired("topic")
	return cmd
}
