// Command issue-token mints candidate and proctor tokens signed with the
// server's JWT_SECRET, for launching attempts outside the exam portal.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
)

func main() {
	var (
		kind      string
		attemptID string
		testID    string
		proctorID string
		testIDs   string
	)
	flag.StringVar(&kind, "type", "candidate", "Token type: candidate or proctor")
	flag.StringVar(&attemptID, "attempt", "", "Attempt ID (candidate)")
	flag.StringVar(&testID, "test", "", "Test ID (candidate)")
	flag.StringVar(&proctorID, "proctor", "", "Proctor ID (proctor)")
	flag.StringVar(&testIDs, "tests", "", "Comma-separated test IDs the proctor may monitor")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// Signing never touches the device binding store.
	authService := service.NewAuthService(cfg, store.NewMemoryStore())

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	var (
		token string
		err   error
	)
	switch kind {
	case "candidate":
		attemptID = prompt(reader, "Enter Attempt ID: ", attemptID)
		testID = prompt(reader, "Enter Test ID: ", testID)
		if attemptID == "" || testID == "" {
			fmt.Println("Error: attempt and test IDs are required")
			os.Exit(1)
		}
		token, err = authService.GenerateCandidateToken(attemptID, testID)
	case "proctor":
		proctorID = prompt(reader, "Enter Proctor ID: ", proctorID)
		testIDs = prompt(reader, "Enter Test IDs (comma-separated): ", testIDs)
		ids := splitIDs(testIDs)
		if proctorID == "" || len(ids) == 0 {
			fmt.Println("Error: proctor ID and at least one test ID are required")
			os.Exit(1)
		}
		token, err = authService.GenerateProctorToken(proctorID, ids)
	default:
		fmt.Printf("Error: unknown token type %q\n", kind)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Println(token)
}

// prompt returns current when set, otherwise reads a line from stdin.
func prompt(r *bufio.Reader, label, current string) string {
	if current != "" {
		return current
	}
	fmt.Fprint(os.Stderr, label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

func splitIDs(raw string) []string {
	var ids []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
