package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/client"
	"github.com/spf13/pflag"
)

func main() {
	var (
		baseURL    string
		capturedAt string
		timeout    time.Duration
	)
	pflag.StringVarP(&baseURL, "url", "u", "http://localhost:8080", "ingestion service base URL")
	pflag.StringVar(&capturedAt, "captured-at", "", "capture time sent with every file (RFC 3339)")
	pflag.DurationVar(&timeout, "timeout", time.Minute, "per-file request timeout")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: upload [flags] FILE...\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	c := client.NewRestyClient(baseURL, timeout)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := 0
	for _, path := range pflag.Args() {
		if err := uploadFile(c, enc, path, capturedAt, timeout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func uploadFile(c *client.Client, enc *json.Encoder, path, capturedAt string, timeout time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := c.UploadImage(ctx, filepath.Base(path), f, capturedAt)
	if err != nil {
		return err
	}
	return enc.Encode(res)
}
