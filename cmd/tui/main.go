package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"candlewatch-go/internal/config"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== Candlewatch Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit aggregator toggles")
		fmt.Println("3) Edit trading settings")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch watchbot")
		fmt.Println("6) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editAggregators(reader, cfg)
		case "3":
			editTrading(reader, cfg)
		case "4":
			if err := config.Validate(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "refusing to save: %v\n", err)
			} else if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchBot(reader)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Provider: %s | simulation: %v\n", cfg.Market.Provider, cfg.Trading.Simulation)
	fmt.Printf("Strategy: %s (lookback %d)\n", cfg.Strategy.Mode, cfg.Strategy.Params.Lookback)
	for _, w := range cfg.Watchers {
		mode := w.Strategy
		if mode == "" {
			mode = cfg.Strategy.Mode
		}
		fmt.Printf("Watcher: %s %s [%s]\n", w.Instrument.Symbol, w.Interval, mode)
	}
	for i, a := range cfg.Aggregators {
		fmt.Printf("Aggregator %d: %s min=%d grouping=%s entry=%v exit=%v alerts=%v/%v\n",
			i, a.Instrument.Symbol, a.MinConfirmations, a.Grouping,
			a.EntryEnabled, a.ExitEnabled, a.EntryAlerts, a.ExitAlerts)
	}
}

func editAggregators(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Aggregators ---")
	for i := range cfg.Aggregators {
		a := &cfg.Aggregators[i]
		fmt.Printf("[%d] %s\n", i, a.Instrument.Symbol)
		a.EntryEnabled = promptBool(reader, "Entry orders enabled", a.EntryEnabled)
		a.ExitEnabled = promptBool(reader, "Exit orders enabled", a.ExitEnabled)
		a.EntryAlerts = promptBool(reader, "Entry alerts", a.EntryAlerts)
		a.ExitAlerts = promptBool(reader, "Exit alerts", a.ExitAlerts)
		if n := int(promptFloat(reader, "Min confirmations", float64(a.MinConfirmations))); n >= 1 {
			a.MinConfirmations = n
		} else {
			fmt.Println("min confirmations must be at least 1, keeping", a.MinConfirmations)
		}
		fmt.Printf("Grouping (exact|direction) [%s]: ", a.Grouping)
		if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
			a.Grouping = strings.ToLower(strings.TrimSpace(line))
		}
	}
}

func editTrading(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Trading ---")
	cfg.Trading.Simulation = promptBool(reader, "Simulation", cfg.Trading.Simulation)
	cfg.Trading.StartingCash = promptFloat(reader, "Paper starting cash", cfg.Trading.StartingCash)
	cfg.Trading.FeePerUnit = promptFloat(reader, "Fee per unit", cfg.Trading.FeePerUnit)
	cfg.Strategy.Params.RiskPct = promptPercent(reader, "Risk per trade (%)", cfg.Strategy.Params.RiskPct)
	cfg.Strategy.Params.MaxNotionalPerTrade = promptFloat(reader, "Max notional per trade", cfg.Strategy.Params.MaxNotionalPerTrade)
}

func launchBot(reader *bufio.Reader) {
	fmt.Println("Launching watchbot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/watchbot", "run", "--config", locateConfig())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func promptBool(reader *bufio.Reader, label string, current bool) bool {
	fmt.Printf("%s [%v]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseBool(line)
	if err != nil {
		fmt.Printf("invalid value, keeping %v\n", current)
		return current
	}
	return val
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if filepath.IsAbs(defaultConfigPath) {
		return defaultConfigPath
	}
	return filepath.Clean(defaultConfigPath)
}
