package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Upright Piano KW samples from the FreePats project, one recording per
// octave A. License: Creative Commons CC0 1.0 Public Domain Dedication.
// Downloaded into testdata/bank with bank.yaml naming their roots, so
// the offline render tests have something real to play.
const (
	repoCommit = "main"
	baseURL    = "https://raw.githubusercontent.com/freepats/upright-piano-KW/" + repoCommit + "/samples/"
	targetDir  = "testdata/bank"
)

// wanted maps source file names onto the MIDI root pitch they record.
var wanted = map[string]int{
	"A0v8.flac": 21,
	"A1v8.flac": 33,
	"A2v8.flac": 45,
	"A3v8.flac": 57,
	"A4v8.flac": 69,
	"A5v8.flac": 81,
	"A6v8.flac": 93,
}

func main() {
	fmt.Println("Downloading Upright Piano KW samples (CC0 licensed)...")

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		fmt.Printf("Error creating directory %s: %v\n", targetDir, err)
		os.Exit(1)
	}

	manifest := "name: upright-piano\nsamples:\n"
	downloaded := 0
	for filename, root := range wanted {
		targetPath := filepath.Join(targetDir, filename)
		manifest += fmt.Sprintf("  - file: %s\n    root: %d\n", filename, root)

		if _, err := os.Stat(targetPath); err == nil {
			fmt.Printf("  %s already exists, skipping\n", filename)
			continue
		}

		fmt.Printf("  Downloading %s...", filename)
		if err := download(baseURL+filename, targetPath); err != nil {
			fmt.Printf(" failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(" done")
		downloaded++
	}

	if err := os.WriteFile(filepath.Join(targetDir, "bank.yaml"), []byte(manifest), 0644); err != nil {
		fmt.Printf("Error writing bank manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Downloaded %d samples into %s\n", downloaded, targetDir)
}

func download(url, targetPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	f, err := os.Create(targetPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}
