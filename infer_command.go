package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-service/internal/logging"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/rpc"
)

// runInferCommand classifies a local JPEG through a running service's gRPC
// API and prints the result as JSON.
func runInferCommand(args []string) int {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	addr := fs.String("addr", envOr("GRPC_ADDR", "localhost:50051"), "classifier gRPC address")
	token := fs.String("token", os.Getenv("FACE_TOKEN"), "bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "call timeout")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: face-service infer [flags] image.jpg")
		return 2
	}

	logger, err := logging.NewLogger("warn")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	if err := inferFile(*addr, *token, *timeout, fs.Arg(0), os.Stdout, logger); err != nil {
		logger.Error("infer failed", zap.Error(err))
		return 1
	}
	return 0
}

func inferFile(addr, token string, timeout time.Duration, path string, out io.Writer, logger *zap.Logger) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, addr, token, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Infer(ctx, query.ImageSpec(image))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
