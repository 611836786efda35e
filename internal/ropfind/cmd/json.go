package cmd

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"ropfind/internal/elfx"
	"ropfind/internal/rules"
	"ropfind/internal/scan"
)

// JSONReport represents the JSON output structure for regression testing
type JSONReport struct {
	Digest          string       `json:"digest"`
	File            string       `json:"file"`
	MaxInstructions int          `json:"max_instructions"`
	Noisy           bool         `json:"noisy"`
	Regions         []string     `json:"regions"`
	Gadgets         []JSONGadget `json:"gadgets"`
}

// JSONGadget represents one discovered gadget in JSON output
type JSONGadget struct {
	FileOffset string `json:"file_offset"`
	VA         string `json:"va"`
	Text       string `json:"text"`
	StackPivot bool   `json:"stack_pivot"`
	BasePivot  bool   `json:"base_pivot"`
	Region     string `json:"region,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

// sanitizeForJSON cleans a string to be valid UTF-8 and safe for JSON encoding
func sanitizeForJSON(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	// Convert invalid UTF-8 to valid UTF-8 by replacing invalid bytes
	return strings.ToValidUTF8(s, "�")
}

// buildJSONReport shapes a scan report for JSON encoding.
func buildJSONReport(digest string, report *scan.Report, opts scan.Options) JSONReport {
	table := rules.Table{}

	out := JSONReport{
		Digest:          digest,
		File:            sanitizeForJSON(report.Path),
		MaxInstructions: opts.MaxInstructions,
		Noisy:           opts.Noisy,
		Regions:         report.Regions,
		Gadgets:         make([]JSONGadget, 0, len(report.Gadgets)),
	}
	for _, f := range report.Gadgets {
		out.Gadgets = append(out.Gadgets, JSONGadget{
			FileOffset: fmt.Sprintf("0x%08x", f.Gadget.FileOffset()),
			VA:         fmt.Sprintf("%#x", f.VA),
			Text:       sanitizeForJSON(f.Gadget.String()),
			StackPivot: f.Gadget.IsStackPivot(table),
			BasePivot:  f.Gadget.IsBasePivot(table),
			Region:     f.Region,
			Symbol:     sanitizeForJSON(f.Symbol),
		})
	}
	return out
}

// fileDigest computes the SHA-256 digest of a file.
func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// runJSON scans the binary and prints the report as indented JSON.
func runJSON(path string, opts scan.Options) error {
	img, err := elfx.Open(path)
	if err != nil {
		return err
	}
	defer img.Close()

	report, err := scan.Image(img, opts)
	if err != nil {
		return err
	}

	digest, err := fileDigest(path)
	if err != nil {
		return err
	}

	bts, err := json.MarshalIndent(buildJSONReport(digest, report, opts), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	fmt.Println(string(bts))
	return nil
}
