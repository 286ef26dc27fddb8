// Interactive client of a grain directory silo.
// It reads commands from stdin and forwards them over the silo's gRPC API.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/siloapi"
	"go.uber.org/zap"
)

const HELP_STRING = `Welcome to graindir.
Usages:
* lookup <type> <key>
* place <type> <key> [strategy]
* stats
* exit
* quit
`

var (
	serverAddr = flag.String("addr", "localhost:11111", "Address of the silo")
	timeout    = flag.Duration("timeout", 5*time.Second, "Timeout of a single request")
	attempts   = flag.Uint("attempts", 3, "Attempts for a request the silo could not serve")
)

var (
	log    *zap.Logger
	client *siloapi.Client
)

// call runs f with a fresh timeout, retrying while the silo reports itself unavailable.
func call(f func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			return f(ctx)
		},
		retry.Attempts(*attempts),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(common.IsUnavailable),
		retry.LastErrorOnly(true),
	)
}

func doLookup(typ, key string) (common.GrainAddress, bool, error) {
	var (
		addr  common.GrainAddress
		found bool
	)
	err := call(func(ctx context.Context) (err error) {
		addr, found, err = client.Lookup(ctx, common.NewGrainId(typ, key))
		return err
	})
	return addr, found, err
}

func doPlace(typ, key, strategy string) (common.SiloAddress, error) {
	var silo common.SiloAddress
	err := call(func(ctx context.Context) (err error) {
		silo, err = client.Place(ctx, siloapi.PlaceRequest{Strategy: strategy, Grain: common.NewGrainId(typ, key)})
		return err
	})
	return silo, err
}

func printStats() {
	var snapshots map[common.SiloAddress]loadstats.LoadSnapshot
	err := call(func(ctx context.Context) (err error) {
		snapshots, err = client.Statistics(ctx)
		return err
	})
	if err != nil {
		fmt.Printf("Stats failed: %v\n", err)
		return
	}
	if len(snapshots) == 0 {
		fmt.Println("No statistics.")
		return
	}
	silos := make([]common.SiloAddress, 0, len(snapshots))
	for silo := range snapshots {
		silos = append(silos, silo)
	}
	common.SortSilos(silos)
	for _, silo := range silos {
		s := snapshots[silo]
		fmt.Printf("%s\tcpu=%.1f%%\tmem=%.2f\tactivations=%d\tat=%s\n", silo,
			s.CPUUsagePercent, s.MemoryUsageRatio(), s.RecentlyUsedActivationCount,
			s.Timestamp.Format(time.RFC3339))
	}
}

// main function is a REPL loop
func main() {
	log = common.Log()
	flag.Parse()

	var err error
	client, err = siloapi.Dial(*serverAddr)
	if err != nil {
		log.Fatal("Failed to dial.", zap.String("server", *serverAddr), zap.Error(err))
	}
	defer client.Close()
	log.Info("Connected.", zap.String("server", *serverAddr))

	// bufio.Scanner split tokens by '\n' by default
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print(">>> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print(">>> ")
			continue
		}
		switch fields[0] {
		case "lookup":
			if len(fields) != 3 {
				fmt.Println("Usage: lookup <type> <key>")
				break
			}
			addr, found, err := doLookup(fields[1], fields[2])
			if err != nil {
				fmt.Printf("Lookup %s/%s failed: %v\n", fields[1], fields[2], err)
			} else if !found {
				fmt.Printf("%s/%s is not activated\n", fields[1], fields[2])
			} else {
				fmt.Printf("%s/%s -> %s\n", fields[1], fields[2], addr)
			}
		case "place":
			if len(fields) != 3 && len(fields) != 4 {
				fmt.Println("Usage: place <type> <key> [strategy]")
				break
			}
			strategy := ""
			if len(fields) == 4 {
				strategy = fields[3]
			}
			silo, err := doPlace(fields[1], fields[2], strategy)
			if err != nil {
				fmt.Printf("Place %s/%s failed: %v\n", fields[1], fields[2], err)
			} else {
				fmt.Printf("%s/%s => %s\n", fields[1], fields[2], silo)
			}
		case "stats":
			printStats()
		case "help":
			fmt.Print(HELP_STRING)
		case "exit", "quit":
			fmt.Println("Goodbye")
			return
		default:
			fmt.Printf("Illegal op \"%s\"\n", fields[0])
			fmt.Print(HELP_STRING)
		}
		fmt.Print(">>> ")
	}
}
