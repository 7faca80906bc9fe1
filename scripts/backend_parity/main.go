package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		primaryBase   string
		candidateBase string
		targetsPath   string
		pin           string
		timeout       time.Duration
	)

	flag.StringVar(&primaryBase, "primary", "http://localhost:5000", "Base URL of the deployment treated as reference")
	flag.StringVar(&candidateBase, "candidate", "http://localhost:5001", "Base URL of the deployment under test")
	flag.StringVar(&targetsPath, "targets", "", "Optional JSON targets file (defaults to the read-only kiosk API)")
	flag.StringVar(&pin, "pin", os.Getenv("ADMIN_PIN"), "Admin PIN sent to admin targets")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	targets := defaultTargets
	if targetsPath != "" {
		loaded, err := loadTargets(targetsPath)
		if err != nil {
			log.Fatalf("failed to load targets: %v", err)
		}
		targets = loaded
	}

	checker := &parityChecker{
		client:    &http.Client{Timeout: timeout},
		primary:   primaryBase,
		candidate: candidateBase,
		pin:       pin,
	}
	results := checker.run(targets)

	fmt.Print(renderReport(results))
	breaking, optional := tally(results)
	fmt.Printf("Breaking diffs: %d, Optional diffs: %d\n", breaking, optional)
	if breaking > 0 {
		os.Exit(1)
	}
}
