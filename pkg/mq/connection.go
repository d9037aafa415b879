package mq

import (
	"fmt"
	"os"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ExchangeName 业务事件的 topic exchange
const ExchangeName = "safereply.events"

// NewConnection 连接名带主机名，方便在管理界面区分 server / worker
func NewConnection(url string) (*amqp091.Connection, error) {
	host, _ := os.Hostname()
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName("safereply@" + host)

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange durable topic exchange，重复声明是幂等的
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(ExchangeName, amqp091.ExchangeTopic, true, false, false, false, nil)
}
