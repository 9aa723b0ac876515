// jib-cli is a command-line client for a running jib-trader instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"jib/pkg/jib"
)

const version = "0.1.0"

func main() {
	server := flag.String("server", envOr("JIB_SERVER", "http://127.0.0.1:8090"), "jib-trader base URL")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jib-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                       Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status                        Show connection health and diagnostics\n")
		fmt.Fprintf(os.Stderr, "  snapshot                      Show positions, balances, and quotes\n")
		fmt.Fprintf(os.Stderr, "  orders                        List tracked orders\n")
		fmt.Fprintf(os.Stderr, "  buy <symbol> <qty> [limit]    Place a buy order\n")
		fmt.Fprintf(os.Stderr, "  sell <symbol> <qty> [limit]   Place a sell order\n")
		fmt.Fprintf(os.Stderr, "  cancel <correlation-id>       Cancel an order\n")
		fmt.Fprintf(os.Stderr, "  metrics                       Show trade metrics from the journal\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := jib.NewClient(*server)

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("jib-cli %s\n", version)
	case "status":
		err = showStatus(ctx, client)
	case "snapshot":
		err = showSnapshot(ctx, client)
	case "orders":
		err = listOrders(ctx, client)
	case "buy":
		err = placeOrder(ctx, client, "buy", args[1:])
	case "sell":
		err = placeOrder(ctx, client, "sell", args[1:])
	case "cancel":
		err = cancelOrder(ctx, client, args[1:])
	case "metrics":
		err = showMetrics(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jib-cli: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func showStatus(ctx context.Context, client *jib.Client) error {
	snap, err := client.Diagnostics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Connection:     %s (attempts=%d, reconnects=%d)\n",
		snap.ConnState, snap.ReconnectAttempts, snap.Reconnects)
	fmt.Printf("Uptime ratio:   %.3f\n", snap.UptimeRatio)
	fmt.Printf("Heartbeat:      p50=%s p95=%s max=%s\n",
		snap.HeartbeatP50, snap.HeartbeatP95, snap.HeartbeatMax)
	fmt.Printf("Sequence gaps:  %d\n", snap.SequenceGaps)
	fmt.Printf("Handler faults: %d\n", snap.HandlerFaults)
	if len(snap.StaleInstruments) > 0 {
		fmt.Printf("Stale:          %v\n", snap.StaleInstruments)
	}
	return nil
}

func showSnapshot(ctx context.Context, client *jib.Client) error {
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Mode: %s  Conn: %s  Version: %d  Stale: %v\n\n",
		snap.Mode, snap.ConnState, snap.Version, snap.Stale)

	if len(snap.Balances) > 0 {
		fmt.Println("Balances:")
		for _, bal := range snap.Balances {
			fmt.Printf("  %-4s cash=%.2f buying_power=%.2f margin_used=%.2f\n",
				bal.Currency, bal.Cash, bal.BuyingPower, bal.MarginUsed)
		}
	}
	if len(snap.Positions) > 0 {
		fmt.Println("Positions:")
		symbols := make([]string, 0, len(snap.Positions))
		for sym := range snap.Positions {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			pos := snap.Positions[sym]
			fmt.Printf("  %-6s qty=%.0f avg_cost=%.2f realized=%+.2f\n",
				sym, pos.Qty, pos.AvgCost, pos.RealizedPnL)
		}
	}
	if len(snap.Quotes) > 0 {
		fmt.Println("Quotes:")
		symbols := make([]string, 0, len(snap.Quotes))
		for sym := range snap.Quotes {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			q := snap.Quotes[sym]
			fmt.Printf("  %-6s", sym)
			for field, value := range q.Fields {
				fmt.Printf(" %s=%.2f", field, value)
			}
			fmt.Println()
		}
	}
	return nil
}

func listOrders(ctx context.Context, client *jib.Client) error {
	orders, err := client.Orders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		fmt.Printf("%s  %-4s %-6s %8.2f %-18s filled=%.2f  %s\n",
			o.UpdatedAt.Format("15:04:05"),
			o.Side, o.Symbol, o.Qty, o.Status, o.FilledQty, o.CorrelationID)
	}
	return nil
}

func placeOrder(ctx context.Context, client *jib.Client, side string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <symbol> <qty> [limit-price]", side)
	}
	req := jib.OrderRequest{Symbol: args[0], Side: side, Type: "market"}
	if _, err := fmt.Sscanf(args[1], "%f", &req.Qty); err != nil {
		return fmt.Errorf("invalid qty %q", args[1])
	}
	if len(args) > 2 {
		if _, err := fmt.Sscanf(args[2], "%f", &req.LimitPrice); err != nil {
			return fmt.Errorf("invalid limit price %q", args[2])
		}
		req.Type = "limit"
	}

	order, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("order %s: %s %s %.2f %s (%s)\n",
		order.CorrelationID, order.Side, order.Symbol, order.Qty,
		order.Type, order.Status)
	return nil
}

func cancelOrder(ctx context.Context, client *jib.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cancel <correlation-id>")
	}
	if err := client.CancelOrder(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", args[0])
	return nil
}

func showMetrics(ctx context.Context, client *jib.Client) error {
	metrics, err := client.Metrics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Trades:    %d (%d wins / %d losses, %.1f%% win rate)\n",
		metrics.TotalTrades, metrics.WinningTrades, metrics.LosingTrades,
		metrics.WinRate*100)
	fmt.Printf("Avg win:   %+.2f\n", metrics.AvgWin)
	fmt.Printf("Avg loss:  %+.2f\n", metrics.AvgLoss)
	fmt.Printf("Total P&L: %+.2f\n", metrics.TotalRealized)
	return nil
}
