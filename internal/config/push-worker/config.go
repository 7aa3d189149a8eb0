package push_worker_config

import (
	"time"

	"github.com/iwent-com-tr/bilet-push/internal/errtrack"
	"github.com/iwent-com-tr/bilet-push/internal/obs"
	kafkax "github.com/iwent-com-tr/bilet-push/internal/repository/kafka"
	pg "github.com/iwent-com-tr/bilet-push/internal/repository/postgres"
	"github.com/iwent-com-tr/bilet-push/internal/repository/redisq"
	"github.com/iwent-com-tr/bilet-push/internal/vapid"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type KafkaIn struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	GroupID       string   `mapstructure:"group_id"`
	FromBeginning bool     `mapstructure:"from_beginning"`
}

func (k *KafkaIn) AsConsumerConfig() *kafkax.ConsumerConfig {
	return &kafkax.ConsumerConfig{
		Brokers:       k.Brokers,
		Topic:         k.Topic,
		GroupID:       k.GroupID,
		FromBeginning: k.FromBeginning,
	}
}

type VAPID struct {
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
	Subject    string `mapstructure:"subject"`
}

func (v *VAPID) AsVAPIDConfig() vapid.Config {
	return vapid.Config{PublicKey: v.PublicKey, PrivateKey: v.PrivateKey, Subject: v.Subject}
}

type Worker struct {
	Workers         int           `mapstructure:"workers"`
	Poll            time.Duration `mapstructure:"poll"`
	SendConcurrency int           `mapstructure:"send_concurrency"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type Server struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (oc *OTEL) AsOTELConfig() *obs.OTELConfig {
	return &obs.OTELConfig{
		Enable:      oc.Enable,
		Endpoint:    oc.OTLPEndpoint,
		ServiceName: oc.ServiceName,
		SampleRatio: oc.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Config struct {
	App    App                 `mapstructure:"app"`
	DB     pg.Config           `mapstructure:"db"`
	Redis  redisq.Config       `mapstructure:"redis"`
	In     KafkaIn             `mapstructure:"kafka_in"`
	VAPID  VAPID               `mapstructure:"vapid"`
	Worker Worker              `mapstructure:"worker"`
	Alerts errtrack.Thresholds `mapstructure:"alerts"`
	Server Server              `mapstructure:"server"`
	OTEL   OTEL                `mapstructure:"otel"`
	Log    Log                 `mapstructure:"log"`
}

func (c *Config) AsLoggerConfig() obs.LogConfig {
	return obs.LogConfig{
		Level:  c.Log.Level,
		Pretty: c.Log.Pretty,
		App:    c.App.Name,
		Env:    c.App.Env,
		Ver:    c.App.Version,
	}
}
