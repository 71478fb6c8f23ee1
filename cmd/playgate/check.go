package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/config"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkUserID    string
	checkAudience  string
	checkCompleted []int
	checkAvailable []int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check code and level decisions interactively",
	Long:  `Check how playgate would classify a code or which levels a player could select.`,
}

var checkCodeCmd = &cobra.Command{
	Use:   "code [flags] CODE",
	Short: "Classify a code without registering a play intent",
	Long: `Resolve a code against the configured trial and purchase services and run
the seat, expiry and package guards. No consume intent is registered.`,
	Example: `  playgate -c config.yaml check code TRIAL-1234
  playgate check code --user-id u-42 ABCD-EFGH`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckCode,
}

var checkLevelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "Evaluate the level unlock policy offline",
	Long:  `Evaluate the level unlock policy for an audience and a set of completed levels.`,
	Example: `  playgate check levels
  playgate check levels --audience B2B --completed 1,2`,
	Args: cobra.NoArgs,
	RunE: runCheckLevels,
}

func init() {
	checkCodeCmd.Flags().StringVar(&checkUserID, "user-id", "", "Player user ID (optional)")

	checkLevelsCmd.Flags().StringVar(&checkAudience, "audience", "", "Demo audience tag (B2C, B2B, B2E); empty for an unrestricted grant")
	checkLevelsCmd.Flags().IntSliceVar(&checkCompleted, "completed", nil, "Levels already completed")
	checkLevelsCmd.Flags().IntSliceVar(&checkAvailable, "available", []int{1, 2, 3}, "Levels the content service offers")

	checkCmd.AddCommand(checkCodeCmd)
	checkCmd.AddCommand(checkLevelsCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckCode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	classifier, err := newClassifier(cfg.Services, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), parseDuration(cfg.Services.Timeout, 10*time.Second)*2)
	defer cancel()

	grant, err := classifier.Inspect(ctx, args[0], checkUserID)
	printCodeResult(access.NormalizeCode(args[0]), grant, err)

	return nil
}

func runCheckLevels(cmd *cobra.Command, args []string) error {
	audience, ok := access.ParseAudience(checkAudience)
	if !ok {
		return fmt.Errorf("invalid audience: %s (expected B2C, B2B or B2E)", checkAudience)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	policyEngine, err := policy.NewEngine(cfg.Policy.OPAPolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	class := access.ClassifyAudience(access.Grant{Audience: audience})
	options := policyEngine.Levels(context.Background(), policy.Facts{
		Class:     class,
		Completed: checkCompleted,
		Available: checkAvailable,
	})

	printLevelsResult(class, policyEngine.Source(), options)

	return nil
}

func printCodeResult(code string, grant *access.Grant, err error) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("  Code Check")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Code:       %s\n", code)
	if checkUserID != "" {
		fmt.Printf("User ID:    %s\n", checkUserID)
	}
	fmt.Println()

	var ae *access.Error
	classified := errors.As(err, &ae)

	cyan.Print("Verdict:    ")
	switch {
	case err == nil:
		green.Println("PLAYABLE")
	case !classified:
		red.Println("ERROR")
	case ae.Retryable():
		yellow.Println(strings.ToUpper(string(ae.Kind)))
	default:
		red.Println(strings.ToUpper(string(ae.Kind)))
	}

	if classified {
		if ae.SubReason != access.SeatReasonNone {
			fmt.Printf("Sub-reason: %s\n", ae.SubReason)
		}
		if ae.Message != "" {
			fmt.Printf("Message:    %s\n", ae.Message)
		}
		if ae.NextStep != "" {
			fmt.Printf("Next step:  %s\n", ae.NextStep)
		}
	} else if err != nil {
		fmt.Printf("Error:      %v\n", err)
	}

	if grant != nil {
		fmt.Println()
		fmt.Printf("Kind:       %s\n", grant.Kind)
		fmt.Printf("Grant ID:   %s\n", grant.GrantID)
		fmt.Printf("Seats:      %d of %d remaining\n", grant.Remaining(), grant.MaxSeats)
		if grant.PackageType != "" {
			fmt.Printf("Package:    %s\n", grant.PackageType)
		}

		class := access.ClassifyAudience(*grant)
		if class.Sequential() {
			yellow.Printf("Audience:   %s (sequential, seat after level %d)\n", class.Audience, class.FinalLevel())
		} else {
			fmt.Println("Audience:   unrestricted")
		}

		if grant.ExpiresAt != nil {
			expiry := fmt.Sprintf("%s (%s)", grant.ExpiresAt.Format(time.RFC3339), humanize.Time(*grant.ExpiresAt))
			if access.Expired(*grant, time.Now()) {
				red.Printf("Expires:    %s\n", expiry)
			} else {
				fmt.Printf("Expires:    %s\n", expiry)
			}
		} else {
			fmt.Println("Expires:    never")
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printLevelsResult(class access.AudienceClass, source string, options []policy.LevelOption) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("  Level Unlock Check")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	audience := string(class.Audience)
	if audience == "" {
		audience = "none"
	}
	fmt.Printf("Flow:       %s\n", class.Flow)
	fmt.Printf("Audience:   %s\n", audience)
	fmt.Printf("Completed:  %v\n", checkCompleted)
	fmt.Printf("Policy:     %s\n", source)
	fmt.Println()

	for _, opt := range options {
		label := fmt.Sprintf("Level %d:    ", opt.Level)
		switch {
		case !opt.Visible:
			fmt.Printf("%shidden\n", label)
		case opt.Selectable:
			fmt.Print(label)
			green.Println("SELECTABLE")
		default:
			fmt.Print(label)
			red.Printf("LOCKED (%s)\n", opt.Reason)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
