package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// NewSNSClient builds an SNS client from the ambient AWS configuration.
// Works with LocalStack when AWS_ENDPOINT_URL is set.
func NewSNSClient(ctx context.Context) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return sns.NewFromConfig(cfg), nil
}

// NewSQSClient builds an SQS client from the ambient AWS configuration.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return sqs.NewFromConfig(cfg), nil
}
