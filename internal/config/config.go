package config

import (
	"flag"
	"time"
)

type Config struct {
	RedisHost string
	RedisPort int

	Tick              time.Duration
	PublishInterval   time.Duration
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	MaxMeasurementAge time.Duration

	GPIOChip     string
	DryRun       bool
	DatabasePath string
	MQTTBroker   string
	InhibitSleep bool
	ShowVersion  bool
}

func New() *Config {
	return &Config{
		RedisHost:         "localhost",
		RedisPort:         6379,
		Tick:              10 * time.Millisecond,
		PublishInterval:   time.Second,
		RequestTimeout:    5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		MaxMeasurementAge: 500 * time.Millisecond,
		GPIOChip:          "gpiochip0",
		DryRun:            false,
		DatabasePath:      "/var/lib/librescoot/bms.db",
		MQTTBroker:        "",
		InhibitSleep:      true,
	}
}

func (c *Config) Parse() {
	flag.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	flag.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	flag.DurationVar(&c.Tick, "tick", c.Tick,
		"Period of the BMS state machine trigger")
	flag.DurationVar(&c.PublishInterval, "publish-interval", c.PublishInterval,
		"Interval at which the BMS state is republished")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout,
		"Time a normal or charge request stays valid without being repeated")
	flag.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval,
		"Interval at which measurements are read from Redis")
	flag.DurationVar(&c.MaxMeasurementAge, "measurement-timeout", c.MaxMeasurementAge,
		"Age after which measurements are treated as invalid and the strings are opened")

	flag.StringVar(&c.GPIOChip, "gpio-chip", c.GPIOChip,
		"GPIO chip driving the contactor coils")

	flag.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Dry run (simulate contactors instead of driving GPIOs)")

	flag.StringVar(&c.DatabasePath, "db", c.DatabasePath,
		"Path of the SQLite database for contactor wear and fault history (empty to disable)")

	flag.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker,
		"MQTT broker URL for state telemetry (empty to disable)")

	flag.BoolVar(&c.InhibitSleep, "inhibit-sleep", c.InhibitSleep,
		"Hold a logind sleep inhibitor while strings are closed")

	flag.BoolVar(&c.ShowVersion, "version", false, "Print version and exit")

	flag.Parse()
}
