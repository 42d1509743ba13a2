package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/aws"
	"github.com/boluoing/payflow/internal/config"
	"github.com/boluoing/payflow/internal/idempotency"
	"github.com/boluoing/payflow/internal/logger"
	"github.com/boluoing/payflow/internal/orders"
	"github.com/boluoing/payflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		zlog.Fatal("failed to init aws clients", zap.Error(err))
	}

	p := worker.NewProcessor(
		orders.NewStore(clients.DynamoDB, cfg.OrdersTable),
		idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		clients.Metrics(cfg.CloudWatchNamespace, cfg.CloudWatchEnabled),
		zlog,
	)

	// RUN_LOCAL feeds a single message body (LOCAL_SQS_BODY) through the processor.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"type":"payment_confirmed","order_id":"local-order-1"}`
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local", Body: body}}}
		if err := p.Handle(context.Background(), event); err != nil {
			zlog.Fatal("local handler error", zap.Error(err))
		}
		return
	}

	lambda.Start(p.Handle)
}
