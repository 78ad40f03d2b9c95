package main

import (
	"strings"

	"github.com/beam-cloud/isptar/pkg/hook"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

// resolveHook turns a -E/-F flag value into a slicedio.Hook: an
// "s3://bucket/prefix" URL uses the built-in S3 provider, anything else
// is run as a %-substituted shell command (§6 Hook command template).
func resolveHook(execCmd string) (slicedio.Hook, error) {
	if execCmd == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(execCmd, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		return hook.NewS3Hook(hook.S3Opts{Bucket: bucket, Prefix: prefix})
	}
	return hook.NewSliceScript(execCmd), nil
}
