package testutils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var multiSpaceRegex = regexp.MustCompile(" +")

// RunPromsink executes promsink command.
func RunPromsink(ctx context.Context, env []string, cmdApp, cmdArgs string, nolog bool) (stdout, stderr []byte, err error) {
	// Sanitize command.
	cmdArgs = strings.TrimSpace(cmdArgs)
	cmdArgs = multiSpaceRegex.ReplaceAllString(cmdArgs, " ")

	// Split into args.
	args := strings.Split(cmdArgs, " ")

	// Create command.
	var outData, errData bytes.Buffer
	cmd := exec.CommandContext(ctx, cmdApp, args...)
	cmd.Stdout = &outData
	cmd.Stderr = &errData

	// Set env.
	newEnv := append([]string{}, env...)
	newEnv = append(newEnv, os.Environ()...)
	if nolog {
		newEnv = append(newEnv,
			"PROMSINK_NO_LOG=true",
			"PROMSINK_NO_COLOR=true",
		)
	}
	cmd.Env = newEnv

	// Run.
	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

func PromsinkVersion(ctx context.Context, promsinkBinary string) (string, error) {
	stdout, stderr, err := RunPromsink(ctx, []string{}, promsinkBinary, "version", false)
	if err != nil {
		return "", fmt.Errorf("could not obtain version: %s: %w", stderr, err)
	}

	version := string(stdout)
	version = strings.TrimSpace(version)

	return version, nil
}
