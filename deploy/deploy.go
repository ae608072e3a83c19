// Package deploy publishes the normalizer as a CloudFront Function.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cfevent "github.com/always-cache/rsc-edge/pkg/cloudfront-event"
)

var ErrorFunctionFailed = errors.New("function failed")

// API is the part of the CloudFront client used here.
type API interface {
	DescribeFunction(ctx context.Context, params *cloudfront.DescribeFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DescribeFunctionOutput, error)
	CreateFunction(ctx context.Context, params *cloudfront.CreateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateFunctionOutput, error)
	UpdateFunction(ctx context.Context, params *cloudfront.UpdateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateFunctionOutput, error)
	PublishFunction(ctx context.Context, params *cloudfront.PublishFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.PublishFunctionOutput, error)
	TestFunction(ctx context.Context, params *cloudfront.TestFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.TestFunctionOutput, error)
}

type Publisher struct {
	API    API
	Logger *zerolog.Logger
}

type TestResult struct {
	Output             string
	Logs               []string
	ComputeUtilization string
}

// NewFromConfig creates a publisher using the default AWS credential chain.
func NewFromConfig(ctx context.Context, region string) (*Publisher, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Publisher{API: cloudfront.NewFromConfig(awsCfg)}, nil
}

func (p *Publisher) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

func functionConfig(comment string) *types.FunctionConfig {
	return &types.FunctionConfig{
		Comment: aws.String(comment),
		Runtime: types.FunctionRuntime(cfevent.Runtime),
	}
}

// Upsert creates the function, or updates its development stage if it exists.
// It returns the ETag of the development stage.
func (p *Publisher) Upsert(ctx context.Context, name, comment string, code []byte) (string, error) {
	described, err := p.API.DescribeFunction(ctx, &cloudfront.DescribeFunctionInput{
		Name:  aws.String(name),
		Stage: types.FunctionStageDevelopment,
	})
	var notFound *types.NoSuchFunctionExists
	if errors.As(err, &notFound) {
		created, err := p.API.CreateFunction(ctx, &cloudfront.CreateFunctionInput{
			Name:           aws.String(name),
			FunctionCode:   code,
			FunctionConfig: functionConfig(comment),
		})
		if err != nil {
			return "", fmt.Errorf("creating function %s: %w", name, err)
		}
		p.logger().Info().Str("function", name).Msg("Created function")
		return aws.ToString(created.ETag), nil
	}
	if err != nil {
		return "", fmt.Errorf("describing function %s: %w", name, err)
	}

	updated, err := p.API.UpdateFunction(ctx, &cloudfront.UpdateFunctionInput{
		Name:           aws.String(name),
		IfMatch:        described.ETag,
		FunctionCode:   code,
		FunctionConfig: functionConfig(comment),
	})
	if err != nil {
		return "", fmt.Errorf("updating function %s: %w", name, err)
	}
	p.logger().Info().Str("function", name).Msg("Updated function")
	return aws.ToString(updated.ETag), nil
}

// Publish promotes the development stage to live.
func (p *Publisher) Publish(ctx context.Context, name, etag string) error {
	_, err := p.API.PublishFunction(ctx, &cloudfront.PublishFunctionInput{
		Name:    aws.String(name),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		return fmt.Errorf("publishing function %s: %w", name, err)
	}
	p.logger().Info().Str("function", name).Msg("Published function")
	return nil
}

// Test runs the development stage against a viewer-request event.
func (p *Publisher) Test(ctx context.Context, name, etag string, event []byte) (TestResult, error) {
	out, err := p.API.TestFunction(ctx, &cloudfront.TestFunctionInput{
		Name:        aws.String(name),
		IfMatch:     aws.String(etag),
		Stage:       types.FunctionStageDevelopment,
		EventObject: event,
	})
	if err != nil {
		return TestResult{}, fmt.Errorf("testing function %s: %w", name, err)
	}
	if out.TestResult == nil {
		return TestResult{}, nil
	}
	res := TestResult{
		Output:             aws.ToString(out.TestResult.FunctionOutput),
		Logs:               out.TestResult.FunctionExecutionLogs,
		ComputeUtilization: aws.ToString(out.TestResult.ComputeUtilization),
	}
	if msg := aws.ToString(out.TestResult.FunctionErrorMessage); msg != "" {
		return res, fmt.Errorf("%w: %s", ErrorFunctionFailed, msg)
	}
	return res, nil
}
