// cmd/backtest runs the crossover simulator over archived bars and prints a
// trade-by-trade account plus a summary, without touching live market data.
//
// Usage:
//
//	go run ./cmd/backtest --symbol=BTCUSDT --interval=1m --db=data/bars.db
//	go run ./cmd/backtest --config=run.yaml --out=report.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chartstream/internal/archive"
	"chartstream/internal/backtest"
	"chartstream/internal/model"
)

const defaultBarLimit = 5000

// runConfig is the YAML run file. Simulation fields mirror the
// /api/backtest request body; source selects where bars come from.
type runConfig struct {
	Symbol         string  `yaml:"symbol"`
	Interval       string  `yaml:"interval"`
	Strategy       string  `yaml:"strategy"`
	FastPeriod     int     `yaml:"fast_period"`
	SlowPeriod     int     `yaml:"slow_period"`
	RSIPeriod      int     `yaml:"rsi_period"`
	Oversold       float64 `yaml:"oversold"`
	Overbought     float64 `yaml:"overbought"`
	InitialCapital float64 `yaml:"initial_capital"`
	SizePct        float64 `yaml:"size_pct"`
	SlippageBps    float64 `yaml:"slippage_bps"`
	CommissionPct  float64 `yaml:"commission_pct"`
	Source         struct {
		SQLitePath string `yaml:"sqlite_path"`
		BarsJSON   string `yaml:"bars_json"`
		Limit      int    `yaml:"limit"`
	} `yaml:"source"`
}

func loadRunConfig(path string) (*runConfig, error) {
	cfg := &runConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	cfgPath := flag.String("config", "", "Path to YAML run config (flags override its fields)")
	symbol := flag.String("symbol", "", "Symbol to simulate, e.g. BTCUSDT")
	interval := flag.String("interval", "1m", "Bar interval: 1m, 5m, 15m, 1h, 4h, 1d")
	strategy := flag.String("strategy", backtest.StrategySMA, "Strategy: sma or rsi")
	dbPath := flag.String("db", "data/bars.db", "Path to SQLite bar archive")
	barsPath := flag.String("bars", "", "Path to a JSON bar array (overrides --db)")
	limit := flag.Int("limit", defaultBarLimit, "Max bars to load from the archive (newest first)")
	outPath := flag.String("out", "", "Write the full JSON report to this path")
	flag.Parse()

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg := &runConfig{}
	if *cfgPath != "" {
		var err error
		cfg, err = loadRunConfig(*cfgPath)
		if err != nil {
			log.Fatalf("[backtest] %v", err)
		}
		log.Printf("[backtest] loaded run config from %s", *cfgPath)
	}

	// Flags given on the command line win over the run file.
	if explicit["symbol"] || cfg.Symbol == "" {
		cfg.Symbol = *symbol
	}
	if explicit["interval"] || cfg.Interval == "" {
		cfg.Interval = *interval
	}
	if explicit["strategy"] || cfg.Strategy == "" {
		cfg.Strategy = *strategy
	}
	if explicit["db"] || cfg.Source.SQLitePath == "" {
		cfg.Source.SQLitePath = *dbPath
	}
	if explicit["bars"] {
		cfg.Source.BarsJSON = *barsPath
	}
	if explicit["limit"] || cfg.Source.Limit == 0 {
		cfg.Source.Limit = *limit
	}

	if cfg.Symbol == "" {
		flag.Usage()
		log.Fatal("[backtest] --symbol or a run config with one is required")
	}
	pair, err := model.NewPairKey(cfg.Symbol, cfg.Interval)
	if err != nil {
		log.Fatalf("[backtest] bad pair: %v", err)
	}

	bars, source, err := loadBars(cfg, pair)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	log.Printf("[backtest] %d bars for %s from %s", len(bars), pair.Key(), source)

	report, err := backtest.Run(backtest.Config{
		Symbol:         pair.Symbol,
		Interval:       pair.Interval,
		Strategy:       cfg.Strategy,
		FastPeriod:     cfg.FastPeriod,
		SlowPeriod:     cfg.SlowPeriod,
		RSIPeriod:      cfg.RSIPeriod,
		Oversold:       cfg.Oversold,
		Overbought:     cfg.Overbought,
		InitialCapital: cfg.InitialCapital,
		SizePct:        cfg.SizePct,
		SlippageBps:    cfg.SlippageBps,
		CommissionPct:  cfg.CommissionPct,
	}, bars)
	if err != nil {
		log.Fatalf("[backtest] run failed: %v", err)
	}

	printTrades(report.Trades)
	printSummary(pair, cfg.Strategy, len(bars), report)

	if *outPath != "" {
		if err := writeReport(*outPath, report); err != nil {
			log.Fatalf("[backtest] %v", err)
		}
		log.Printf("[backtest] report written to %s", *outPath)
	}
}

// loadBars reads the simulation window: a JSON bar array when configured,
// otherwise the newest Limit rows of the SQLite archive.
func loadBars(cfg *runConfig, pair model.PairKey) ([]model.Bar, string, error) {
	if cfg.Source.BarsJSON != "" {
		data, err := os.ReadFile(cfg.Source.BarsJSON)
		if err != nil {
			return nil, "", fmt.Errorf("read bars: %w", err)
		}
		var bars []model.Bar
		if err := json.Unmarshal(data, &bars); err != nil {
			return nil, "", fmt.Errorf("parse bars: %w", err)
		}
		return bars, cfg.Source.BarsJSON, nil
	}

	reader, err := archive.NewReader(cfg.Source.SQLitePath)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite open failed: %w", err)
	}
	defer reader.Close()

	bars, err := reader.Recent(pair, cfg.Source.Limit)
	if err != nil {
		return nil, "", fmt.Errorf("archive read failed: %w", err)
	}
	return bars, cfg.Source.SQLitePath, nil
}

func printTrades(trades []backtest.Trade) {
	if len(trades) == 0 {
		fmt.Println("  (no trades)")
		return
	}
	for i, t := range trades {
		if i >= 10 && i%10 != 0 && i != len(trades)-1 {
			continue
		}
		ts := time.Unix(t.Time, 0).UTC().Format("2006-01-02 15:04:05")
		switch {
		case t.EntryPrice != nil:
			fmt.Printf("  [%s] %-4s %.6f @ %.2f\n", ts, t.Side, t.Qty, *t.EntryPrice)
		case t.ExitPrice != nil:
			note := ""
			if t.Note != "" {
				note = "  (" + t.Note + ")"
			}
			fmt.Printf("  [%s] %-4s %.6f @ %.2f  pnl %+.2f%s\n", ts, t.Side, t.Qty, *t.ExitPrice, *t.PnL, note)
		}
	}
}

func printSummary(pair model.PairKey, strategy string, barCount int, r *backtest.Report) {
	m := r.Metrics
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  %-16s %-19s║\n", "Pair:", pair.Key())
	fmt.Printf("║  %-16s %-19s║\n", "Strategy:", strategy)
	fmt.Printf("║  %-16s %-19d║\n", "Bars:", barCount)
	fmt.Printf("║  %-16s %-19d║\n", "Trades:", m.TradeCount)
	fmt.Printf("║  %-16s %-19.2f║\n", "Final equity:", m.FinalEquity)
	fmt.Printf("║  %-16s %-19s║\n", "Return:", fmt.Sprintf("%+.2f%%", m.TotalReturnPct))
	fmt.Println("╚══════════════════════════════════════╝")
}

func writeReport(path string, r *backtest.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
