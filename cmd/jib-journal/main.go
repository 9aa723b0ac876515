// jib-journal inspects the SQLite trade journal offline: trade metrics,
// per-day realized P&L, and recent order history.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"jib/internal/config"
	"jib/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $JIB_CONFIG)")
	dbPath := flag.String("db", "", "journal database path (overrides config)")
	limit := flag.Int("limit", 20, "number of recent orders to show")
	flag.Parse()

	if err := run(*cfgPath, *dbPath, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "jib-journal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, dbPath string, limit int) error {
	if dbPath == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		dbPath = cfg.Storage.SQLitePath
	}
	if dbPath == "" {
		return fmt.Errorf("no journal path: set storage.sqlite_path or pass -db")
	}

	journal, err := store.OpenSQLiteJournal(dbPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	metrics, err := journal.Metrics()
	if err != nil {
		return fmt.Errorf("computing metrics: %w", err)
	}

	fmt.Printf("Trades:        %d (%d wins / %d losses, %.1f%% win rate)\n",
		metrics.TotalTrades, metrics.WinningTrades, metrics.LosingTrades,
		metrics.WinRate*100)
	fmt.Printf("Avg win:       %+.2f\n", metrics.AvgWin)
	fmt.Printf("Avg loss:      %+.2f\n", metrics.AvgLoss)
	fmt.Printf("Total P&L:     %+.2f\n", metrics.TotalRealized)

	if len(metrics.DailyPnL) > 0 {
		days := make([]string, 0, len(metrics.DailyPnL))
		for day := range metrics.DailyPnL {
			days = append(days, day)
		}
		sort.Strings(days)
		fmt.Println("\nDaily realized P&L:")
		for _, day := range days {
			fmt.Printf("  %s  %+.2f\n", day, metrics.DailyPnL[day])
		}
	}

	orders, err := journal.Orders(limit)
	if err != nil {
		return fmt.Errorf("listing orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	fmt.Printf("\nRecent orders (%d):\n", len(orders))
	for _, o := range orders {
		fmt.Printf("  %s  %-4s %-6s %8.2f %-8s %-16s %s\n",
			o.UpdatedAt.Format("2006-01-02 15:04:05"),
			o.Side, o.Symbol, o.Qty, o.Status, o.BrokerID, o.CorrelationID)
	}
	return nil
}
