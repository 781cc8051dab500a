// Package main provides the xmlbus CLI for subprocess-based interop with
// the normalization pipeline.
//
// This CLI reads raw XML bytes from stdin, runs pipeline operations, and
// writes a JSON result to stdout. Designed for subprocess-based interop,
// mirroring the teacher's envelope CLI shape.
//
// Usage:
//
//	# Repair, heal, and canonicalize a message
//	echo '<cad-task version="1"/>' | xmlbus normalize
//
//	# Check whether the pipeline can repair, heal and canonicalize a message
//	echo '<cad-task version="1"/>' | xmlbus validate
//
//	# Pull the message-id out of an already-canonical message
//	echo '<cad-task message-id="abc"/>' | xmlbus extract-id
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/swarm-mesh/xmlbus/coreengine/xmlnorm"
)

const (
	cmdNormalize = "normalize"
	cmdValidate  = "validate"
	cmdExtractID = "extract-id"
	cmdVersion   = "version"
)

const (
	Version   = "1.0.0"
	BuildTime = "2026-07-31"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case cmdVersion:
		handleVersion()
	case cmdNormalize:
		handleNormalize()
	case cmdValidate:
		handleValidate()
	case cmdExtractID:
		handleExtractID()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: xmlbus <command> [--schema-dir DIR]...

Commands:
  normalize    Read XML from stdin, run the full repair/heal/canonicalize pipeline, write JSON to stdout
  validate     Read XML from stdin, report whether the pipeline can process it (repair/heal/canonicalize)
  extract-id   Read XML from stdin, print its message-id attribute
  version      Print version information

Input/Output:
  All commands read raw bytes from stdin and write JSON to stdout.
  Errors are written to stdout as JSON ("error": true) and exit non-zero;
  validate instead reports "valid": false and exits zero.

Examples:
  echo '<cad-task version="1"/>' | xmlbus normalize
  echo '<cad-task version="1"/>' | xmlbus validate --schema-dir ./schemas`)
}

func handleVersion() {
	writeJSON(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"go_version": "1.24+",
	})
}

func handleNormalize() {
	input, err := readInput()
	if err != nil {
		writeError("read_error", err.Error())
		os.Exit(1)
	}

	pipeline := xmlnorm.NewPipeline(schemaDirsFromArgs(), nil)
	canonical, root, version, err := pipeline.Process(context.Background(), input, nil)
	if err != nil {
		writeError("normalize_error", err.Error())
		os.Exit(1)
	}

	writeJSON(map[string]any{
		"canonical": string(canonical),
		"root":      root,
		"version":   version,
	})
}

func handleValidate() {
	input, err := readInput()
	if err != nil {
		writeError("read_error", err.Error())
		os.Exit(1)
	}

	pipeline := xmlnorm.NewPipeline(schemaDirsFromArgs(), nil)
	_, root, _, procErr := pipeline.Process(context.Background(), input, nil)
	if procErr != nil {
		writeJSON(map[string]any{
			"valid": false,
			"error": procErr.Error(),
		})
		return
	}

	writeJSON(map[string]any{
		"valid": true,
		"root":  root,
	})
}

func handleExtractID() {
	input, err := readInput()
	if err != nil {
		writeError("read_error", err.Error())
		os.Exit(1)
	}

	id, ok := xmlnorm.ExtractMessageID(input)
	writeJSON(map[string]any{
		"found":      ok,
		"message_id": id,
	})
}

// schemaDirsFromArgs collects every "--schema-dir DIR" pair from os.Args,
// letting callers point the CLI at a schema catalog without a config file.
func schemaDirsFromArgs() []string {
	var dirs []string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--schema-dir" && i+1 < len(args) {
			dirs = append(dirs, args[i+1])
			i++
			continue
		}
		if strings.HasPrefix(args[i], "--schema-dir=") {
			dirs = append(dirs, strings.TrimPrefix(args[i], "--schema-dir="))
		}
	}
	return dirs
}

func readInput() ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	return io.ReadAll(reader)
}

func writeJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %s\n", err.Error())
		os.Exit(1)
	}
}

func writeError(code, message string) {
	writeJSON(map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
}
