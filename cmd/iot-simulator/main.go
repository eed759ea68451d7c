// Command iot-simulator drives one goroutine per machine through a
// running/stopped state machine and publishes Sparkplug-encoded DDATA
// telemetry (goodCount/totalCount/scrapCount/machineConnect) and occasional
// DCMD Hold/Unhold signals, using the spBv1.0/{plant}/{area}/{dataType}/
// {lineCode}/{metricName} topic grammar (spec §4.2). The goroutine-per-
// machine state machine and .env-based Config loading are adapted from the
// teacher's iot_simulator/main.go; payload encoding uses internal/sparkplug
// instead of the teacher's JSON event structs.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/schmeckm/OEE-Solution-sub000/internal/sparkplug"
)

// Config is loaded from environment variables (teacher's iot_simulator shape).
type Config struct {
	MQTTBrokerURL string
	MQTTClientID  string
	Plant         string
	Area          string
	LineCodes     []string

	IdealCycleTime          time.Duration
	ScrapRate               float64
	DowntimeChance          float64
	DowntimeMin             time.Duration
	DowntimeMax             time.Duration
	PerformanceLossChance   float64
	PerformanceLossMaxDelay time.Duration
	HoldChance              float64
	HoldMin                 time.Duration
	HoldMax                 time.Duration
}

var config Config

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "oee-simulator"),
		Plant:         getEnv("PLANT", "plant1"),
		Area:          getEnv("AREA", "area1"),
	}

	lineCodesStr := getEnv("LINE_CODES", "L1,L2,L3")
	for _, code := range strings.Split(lineCodesStr, ",") {
		cfg.LineCodes = append(cfg.LineCodes, strings.TrimSpace(code))
	}

	idealCycleTimeSec, err := strconv.Atoi(getEnv("IDEAL_CYCLE_TIME", "3"))
	if err != nil {
		return cfg, fmt.Errorf("invalid IDEAL_CYCLE_TIME: %w", err)
	}
	cfg.IdealCycleTime = time.Duration(idealCycleTimeSec) * time.Second

	cfg.ScrapRate, err = strconv.ParseFloat(getEnv("SCRAP_RATE", "0.05"), 64)
	if err != nil {
		return cfg, fmt.Errorf("invalid SCRAP_RATE: %w", err)
	}

	cfg.DowntimeChance, err = strconv.ParseFloat(getEnv("DOWNTIME_CHANCE", "0.1"), 64)
	if err != nil {
		return cfg, fmt.Errorf("invalid DOWNTIME_CHANCE: %w", err)
	}

	downtimeMinSec, err := strconv.Atoi(getEnv("DOWNTIME_MIN", "10"))
	if err != nil {
		return cfg, fmt.Errorf("invalid DOWNTIME_MIN: %w", err)
	}
	cfg.DowntimeMin = time.Duration(downtimeMinSec) * time.Second

	downtimeMaxSec, err := strconv.Atoi(getEnv("DOWNTIME_MAX", "30"))
	if err != nil {
		return cfg, fmt.Errorf("invalid DOWNTIME_MAX: %w", err)
	}
	cfg.DowntimeMax = time.Duration(downtimeMaxSec) * time.Second

	cfg.PerformanceLossChance, err = strconv.ParseFloat(getEnv("PERFORMANCE_LOSS_CHANCE", "0.20"), 64)
	if err != nil {
		return cfg, fmt.Errorf("invalid PERFORMANCE_LOSS_CHANCE: %w", err)
	}

	perfLossMaxDelaySec, err := strconv.Atoi(getEnv("PERFORMANCE_LOSS_MAX_DELAY", "2"))
	if err != nil {
		return cfg, fmt.Errorf("invalid PERFORMANCE_LOSS_MAX_DELAY: %w", err)
	}
	cfg.PerformanceLossMaxDelay = time.Duration(perfLossMaxDelaySec) * time.Second

	cfg.HoldChance, err = strconv.ParseFloat(getEnv("HOLD_CHANCE", "0.03"), 64)
	if err != nil {
		return cfg, fmt.Errorf("invalid HOLD_CHANCE: %w", err)
	}

	holdMinSec, err := strconv.Atoi(getEnv("HOLD_MIN", "60"))
	if err != nil {
		return cfg, fmt.Errorf("invalid HOLD_MIN: %w", err)
	}
	cfg.HoldMin = time.Duration(holdMinSec) * time.Second

	holdMaxSec, err := strconv.Atoi(getEnv("HOLD_MAX", "600"))
	if err != nil {
		return cfg, fmt.Errorf("invalid HOLD_MAX: %w", err)
	}
	cfg.HoldMax = time.Duration(holdMaxSec) * time.Second

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func connectMQTT(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s", brokerURL)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", token.Error())
	}
	return client, nil
}

func main() {
	var err error
	config, err = loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  MQTT Broker: %s", config.MQTTBrokerURL)
	log.Printf("  Plant/Area: %s/%s", config.Plant, config.Area)
	log.Printf("  Line codes: %v", config.LineCodes)

	source := rand.NewSource(time.Now().UnixNano())
	r := rand.New(source)

	client, err := connectMQTT(config.MQTTBrokerURL, config.MQTTClientID)
	if err != nil {
		log.Fatalf("Fatal error: %v. Is your MQTT broker running?", err)
	}
	defer client.Disconnect(250)

	log.Printf("Starting IoT simulator for %d lines...", len(config.LineCodes))

	for _, lineCode := range config.LineCodes {
		go simulateMachine(client, lineCode, r)
	}

	select {}
}

// simulateMachine runs an infinite loop for a single machine's lifecycle,
// publishing DDATA counters while running and occasional DCMD Hold/Unhold
// pairs (spec §4.3 scenario source).
func simulateMachine(client mqtt.Client, lineCode string, r *rand.Rand) {
	currentState := "running"
	publishMetric(client, lineCode, "machineConnect", sparkplug.Metric{Name: "machineConnect", Type: sparkplug.TypeBool, BoolValue: true})

	var goodCount, totalCount, scrapCount int64

	for {
		if currentState == "running" {
			actualCycleTime := config.IdealCycleTime
			if r.Float64() < config.PerformanceLossChance && config.PerformanceLossMaxDelay > 0 {
				delay := time.Duration(r.Intn(int(config.PerformanceLossMaxDelay)))
				actualCycleTime += delay
			}
			time.Sleep(actualCycleTime)

			totalCount++
			if r.Float64() < config.ScrapRate {
				scrapCount++
			} else {
				goodCount++
			}
			publishCounters(client, lineCode, goodCount, totalCount, scrapCount)

			if r.Float64() < config.HoldChance {
				publishHoldUnhold(client, lineCode, r)
			}

			if r.Float64() < config.DowntimeChance {
				currentState = "stopped"
				publishMetric(client, lineCode, "machineConnect", sparkplug.Metric{Name: "machineConnect", Type: sparkplug.TypeBool, BoolValue: false})
			}
		} else {
			downtimeRange := int(config.DowntimeMax - config.DowntimeMin)
			downtime := config.DowntimeMin
			if downtimeRange > 0 {
				downtime = time.Duration(r.Intn(downtimeRange)) + config.DowntimeMin
			}
			log.Printf("[%s] is DOWN for %v", lineCode, downtime)
			time.Sleep(downtime)

			currentState = "running"
			publishMetric(client, lineCode, "machineConnect", sparkplug.Metric{Name: "machineConnect", Type: sparkplug.TypeBool, BoolValue: true})
		}
	}
}

// publishHoldUnhold simulates an operator-triggered stoppage: a DCMD Hold
// immediately followed, after a random delay, by a DCMD Unhold (spec §4.3).
func publishHoldUnhold(client mqtt.Client, lineCode string, r *rand.Rand) {
	publishCommand(client, lineCode, "Hold", 1)

	holdRange := int(config.HoldMax - config.HoldMin)
	duration := config.HoldMin
	if holdRange > 0 {
		duration = time.Duration(r.Intn(holdRange)) + config.HoldMin
	}
	time.Sleep(duration)

	publishCommand(client, lineCode, "Unhold", 1)
}

func publishCounters(client mqtt.Client, lineCode string, good, total, scrap int64) {
	publishMetric(client, lineCode, "goodCount", sparkplug.Metric{Name: "goodCount", Type: sparkplug.TypeInt64, IntValue: good})
	publishMetric(client, lineCode, "totalCount", sparkplug.Metric{Name: "totalCount", Type: sparkplug.TypeInt64, IntValue: total})
	publishMetric(client, lineCode, "scrapCount", sparkplug.Metric{Name: "scrapCount", Type: sparkplug.TypeInt64, IntValue: scrap})
}

func publishMetric(client mqtt.Client, lineCode, metricName string, metric sparkplug.Metric) {
	topic := fmt.Sprintf("spBv1.0/%s/%s/DDATA/%s/%s", config.Plant, config.Area, lineCode, metricName)
	publish(client, topic, metric)
}

func publishCommand(client mqtt.Client, lineCode, metricName string, value int64) {
	topic := fmt.Sprintf("spBv1.0/%s/%s/DCMD/%s/%s", config.Plant, config.Area, lineCode, metricName)
	publish(client, topic, sparkplug.Metric{Name: metricName, Type: sparkplug.TypeInt64, IntValue: value})
}

func publish(client mqtt.Client, topic string, metric sparkplug.Metric) {
	env := sparkplug.Envelope{TimestampMillis: time.Now().UnixMilli(), Metrics: []sparkplug.Metric{metric}}
	payload := sparkplug.Encode(env)

	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("ERROR publishing to %s: %v", topic, token.Error())
	}
}
