// Package broker moves double-encoded messages between the gateway and the
// workers over durable queues.
//
// # Transports
//
// A Dialer opens a Conn. Two transports exist:
//
//   - AMQPDialer talks to RabbitMQ through amqp091-go. Queues are declared
//     durable, messages are published persistent with publisher confirms,
//     and consumers settle deliveries manually.
//   - Memory keeps queues in process. It backs single-process runs and
//     tests, and can simulate connection loss with Drop and SetDown.
//
// # Client
//
// Client layers policy over a Dialer:
//
//	c := broker.NewClient(&broker.AMQPDialer{URL: url}, broker.Options{Logger: logger})
//	err := c.Publish(ctx, "question_queue", body)
//	err = c.Consume(ctx, "answer_queue", func(ctx context.Context, d broker.Delivery) {
//		...
//		_ = d.Ack()
//	})
//
// Publish shares one connection between callers and reports failures
// without retrying. Consume owns its own connection for the life of ctx
// and reconnects after ReconnectDelay on transport loss or
// UnexpectedErrorDelay on anything else. Messages that were delivered but
// not settled before a connection died come back as fresh deliveries.
package broker
