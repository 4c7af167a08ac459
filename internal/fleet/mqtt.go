package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// heartbeatTopic is the subscription pattern for device heartbeats; the
// wildcard segment is the device ID.
const heartbeatTopic = "fleet/+/heartbeat"

// mqttHeartbeat is the JSON payload devices publish on fleet/{id}/heartbeat.
type mqttHeartbeat struct {
	AppVersion string `json:"app_version,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	CurrentIP  string `json:"current_ip,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
}

// mqttIngest bridges MQTT heartbeats into the same RecordHeartbeat path used
// by HTTP, for devices behind NAT that cannot be reached for polling.
type mqttIngest struct {
	module *Module
	cfg    MQTTConfig
	logger *zap.Logger
	client mqtt.Client
}

func newMQTTIngest(module *Module, cfg MQTTConfig, logger *zap.Logger) *mqttIngest {
	return &mqttIngest{module: module, cfg: cfg, logger: logger}
}

func (in *mqttIngest) connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(in.cfg.Broker).
		SetClientID(in.cfg.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if in.cfg.Username != "" {
		opts.SetUsername(in.cfg.Username)
		opts.SetPassword(in.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(heartbeatTopic, 1, in.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			in.logger.Error("mqtt subscribe failed", zap.Error(err))
			return
		}
		in.logger.Info("mqtt heartbeat ingest subscribed", zap.String("topic", heartbeatTopic))
	})

	in.client = mqtt.NewClient(opts)
	token := in.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", in.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", in.cfg.Broker, err)
	}
	return nil
}

func (in *mqttIngest) disconnect() {
	if in.client != nil && in.client.IsConnected() {
		in.client.Disconnect(250)
	}
}

func (in *mqttIngest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		in.logger.Debug("mqtt heartbeat with malformed topic", zap.String("topic", msg.Topic()))
		return
	}

	var hb mqttHeartbeat
	if len(msg.Payload()) > 0 {
		if err := json.Unmarshal(msg.Payload(), &hb); err != nil {
			in.logger.Debug("mqtt heartbeat with malformed payload",
				zap.String("device_id", deviceID), zap.Error(err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := in.module.RecordHeartbeat(ctx, deviceID, HeartbeatMeta{
		AppVersion: hb.AppVersion,
		MACAddress: hb.MACAddress,
		CurrentIP:  hb.CurrentIP,
		BranchID:   hb.BranchID,
	}); err != nil {
		in.logger.Warn("mqtt heartbeat rejected",
			zap.String("device_id", deviceID), zap.Error(err))
	}
}

// deviceIDFromTopic extracts the device ID from fleet/{id}/heartbeat.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "fleet" || parts[2] != "heartbeat" {
		return ""
	}
	return parts[1]
}
