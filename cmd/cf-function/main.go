// Command cf-function renders, runs and deploys the query normalizer
// as a CloudFront Function attached to viewer requests.
//
//	cf-function render [-config file] [-param p -sentinel s]
//	cf-function handle < event.json
//	cf-function deploy -name fn [-publish]
//	cf-function test -name fn -event event.json
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/rsc-edge/config"
	"github.com/always-cache/rsc-edge/deploy"
	"github.com/always-cache/rsc-edge/normalize"
	cfevent "github.com/always-cache/rsc-edge/pkg/cloudfront-event"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "render", "handle", "deploy", "test":
		err = run(context.Background(), os.Args[1], os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("Failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cf-function render|handle|deploy|test [flags]")
}

func run(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configFlag := fs.String("config", "", "YAML config file with normalization rules")
	paramFlag := fs.String("param", "", "Query parameter to normalize (default _rsc)")
	sentinelFlag := fs.String("sentinel", "", "Value to normalize the parameter to (default 1)")
	nameFlag := fs.String("name", "normalize-rsc", "CloudFront Function name")
	regionFlag := fs.String("region", "", "AWS region (defaults to the AWS config)")
	publishFlag := fs.Bool("publish", false, "Publish to the live stage after deploying")
	eventFlag := fs.String("event", "", "Viewer-request event JSON file")
	fs.Parse(args)

	conf, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *paramFlag != "" || *sentinelFlag != "" {
		conf.SetRule(*paramFlag, *sentinelFlag)
	}
	n, err := conf.Normalizer()
	if err != nil {
		return err
	}

	switch command {
	case "render":
		return cfevent.Render(os.Stdout, n.Rules())
	case "handle":
		return cfevent.HandleJSON(n, os.Stdin, os.Stdout)
	}

	var code bytes.Buffer
	if err := cfevent.Render(&code, n.Rules()); err != nil {
		return err
	}
	publisher, err := deploy.NewFromConfig(ctx, *regionFlag)
	if err != nil {
		return err
	}
	etag, err := publisher.Upsert(ctx, *nameFlag, comment(n.Rules()), code.Bytes())
	if err != nil {
		return err
	}

	if command == "test" {
		if *eventFlag == "" {
			return fmt.Errorf("-event is required")
		}
		event, err := os.ReadFile(*eventFlag)
		if err != nil {
			return err
		}
		res, err := publisher.Test(ctx, *nameFlag, etag, event)
		for _, line := range res.Logs {
			log.Info().Str("function", *nameFlag).Msg(line)
		}
		if err != nil {
			return err
		}
		log.Info().Str("utilization", res.ComputeUtilization).Msg("Function ran")
		fmt.Println(res.Output)
		return nil
	}

	if *publishFlag {
		return publisher.Publish(ctx, *nameFlag, etag)
	}
	log.Info().Str("function", *nameFlag).Msg("Deployed to development stage, use -publish to go live")
	return nil
}

func comment(rules []normalize.Rule) string {
	parts := make([]string, len(rules))
	for i, rule := range rules {
		parts[i] = rule.Param + "=" + rule.Sentinel
	}
	return "Normalize " + strings.Join(parts, "&")
}
