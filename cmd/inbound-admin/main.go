package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/geoip"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/spam"
	"github.com/freegle/inbound/spamassassin"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "reset-bounces":
		handleResetBounces()
	case "show-bounces":
		handleShowBounces()
	case "classify":
		handleClassify()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Inbound Mail Router Admin Tool

Usage:
  inbound-admin <command> [options]

Commands:
  reset-bounces  Clear a user's bounce history and mail suspension
  show-bounces   List recorded bounces for an email address
  classify       Dry-run classification of an address or a full message
  help           Show this help message

Examples:
  inbound-admin reset-bounces --user 12345
  inbound-admin show-bounces --email someone@example.com
  inbound-admin classify --to notify-1234-5678@users.ilovefreegle.org
  inbound-admin classify --to edinburgh@groups.ilovefreegle.org --spam message.eml

Use 'inbound-admin <command> --help' for more information about a command.
`)
}

func openDatabase(configPath string) (*db.Database, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return database, database.Close, nil
}

func handleResetBounces() {
	fs := flag.NewFlagSet("reset-bounces", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	userID := fs.Int64("user", 0, "User ID to reset (required)")
	fs.Parse(os.Args[2:])

	if *userID == 0 {
		fmt.Println("Error: --user is required")
		fs.Usage()
		os.Exit(1)
	}

	database, closeDB, err := openDatabase(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := database.ResetBounces(context.Background(), *userID); err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: resetting bounces: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Bounce history cleared for user %d; mail re-enabled.\n", *userID)
}

func handleShowBounces() {
	fs := flag.NewFlagSet("show-bounces", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address to inspect (required)")
	fs.Parse(os.Args[2:])

	if *email == "" {
		fmt.Println("Error: --email is required")
		fs.Usage()
		os.Exit(1)
	}

	database, closeDB, err := openDatabase(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	ctx := context.Background()
	userEmail, err := database.GetEmailByAddress(ctx, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: %v\n", err)
		os.Exit(1)
	}

	bounces, err := database.ListActiveBounces(ctx, userEmail.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: listing bounces: %v\n", err)
		os.Exit(1)
	}

	if len(bounces) == 0 {
		fmt.Printf("No recorded bounces for %s.\n", *email)
		return
	}
	fmt.Printf("%d recorded bounce(s) for %s (user %d):\n", len(bounces), *email, userEmail.UserID)
	for _, b := range bounces {
		kind := "soft"
		if b.Permanent {
			kind = "permanent"
		}
		fmt.Printf("  %s  %-9s  %s\n", b.Date.Format("2006-01-02 15:04"), kind, b.Reason)
	}
}

// handleClassify is an offline dry run: it parses a message (or just an
// address), shows how the router would see it, and optionally runs the spam
// battery. Nothing is written.
func handleClassify() {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	to := fs.String("to", "", "Envelope recipient address to classify (required)")
	from := fs.String("from", "", "Envelope sender, for message classification")
	checkSpam := fs.Bool("spam", false, "Also run the spam battery (reads the database)")
	fs.Parse(os.Args[2:])

	if *to == "" {
		fmt.Println("Error: --to is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: %v\n", err)
		os.Exit(1)
	}
	opts := mailparser.Options{
		UserDomain:  cfg.Server.UserDomain,
		GroupDomain: cfg.Server.GroupDomain,
	}

	// With a file argument (or piped stdin) classify the whole message;
	// otherwise just the address.
	var data []byte
	if fs.NArg() > 0 {
		data, err = os.ReadFile(fs.Arg(0))
	} else if stat, statErr := os.Stdin.Stat(); statErr == nil && stat.Mode()&os.ModeCharDevice == 0 {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: reading message: %v\n", err)
		os.Exit(1)
	}

	if len(data) == 0 {
		printAddr(mailparser.ClassifyAddress(*to, opts.UserDomain, opts.GroupDomain))
		return
	}

	p := mailparser.Parse(data, *from, *to, opts)
	fmt.Printf("subject:    %q\n", p.Subject)
	fmt.Printf("from:       %q\n", p.FromAddress)
	fmt.Printf("bounce:     %v\n", p.IsBounce())
	fmt.Printf("auto-reply: %v\n", p.IsAutoReply())
	fmt.Printf("sender IP:  %q\n", p.SenderIP)
	printAddr(p.Addr)

	if *checkSpam {
		runSpamBattery(cfg, p)
	}
}

func runSpamBattery(cfg *config.Config, p *mailparser.ParsedEmail) {
	ctx := context.Background()
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	geo, err := geoip.Open(cfg.GeoIP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: opening GeoIP database: %v\n", err)
		os.Exit(1)
	}
	defer geo.Close()

	var scorer spam.Scorer
	if cfg.SpamAssassin.Enabled {
		scorer = spamassassin.NewClient(cfg.SpamAssassin)
	}

	refresh, err := cfg.Spam.GetTableRefresh()
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: %v\n", err)
		os.Exit(1)
	}
	svc := spam.NewService(&cfg.Spam, database, spam.NewTables(database, refresh), geo, scorer)

	result, err := svc.CheckMessage(ctx, p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: spam check: %v\n", err)
		os.Exit(1)
	}
	if result == nil {
		fmt.Println("spam:       clean")
	} else {
		fmt.Printf("spam:       %s (%s)\n", result.Reason, result.Detail)
	}

	review, err := svc.CheckReview(ctx, p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound-admin: review check: %v\n", err)
		os.Exit(1)
	}
	if review == nil {
		fmt.Println("review:     clean")
	} else {
		fmt.Printf("review:     %s (%s)\n", review.Reason, review.Detail)
	}
}

func printAddr(a *mailparser.RoutedAddress) {
	if a == nil {
		fmt.Println("address:    not a platform address")
		return
	}
	fmt.Printf("kind:       %v\n", a.Kind)
	if a.UserID != 0 {
		fmt.Printf("user:       %d\n", a.UserID)
	}
	if a.GroupID != 0 {
		fmt.Printf("group:      %d\n", a.GroupID)
	}
	if a.GroupName != "" {
		fmt.Printf("group name: %s\n", a.GroupName)
	}
	if a.ChatID != 0 {
		fmt.Printf("chat:       %d\n", a.ChatID)
	}
	if a.MessageID != 0 {
		fmt.Printf("message:    %d\n", a.MessageID)
	}
	if a.TrystID != 0 {
		fmt.Printf("tryst:      %d\n", a.TrystID)
	}
}
