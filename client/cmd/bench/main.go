package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/raft-saga-store/client"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
)

var (
	endpoint string
	output   string
	duration time.Duration
)

func init() {
	flag.StringVarP(&endpoint, "endpoint", "e", "localhost:11000", "Set the endpoint address")
	flag.StringVarP(&output, "output", "o", "transfer-metric.csv", "CSV file to write latencies to")
	flag.DurationVarP(&duration, "duration", "d", 5*time.Second, "How long each round runs")
}

func checkError(message string, err error) {
	if err != nil {
		log.Fatal(message, err)
	}
}

// waitDone polls a transaction until it leaves the started states.
func waitDone(c *client.BankClient, id string) error {
	for {
		status, err := c.Status("transfers", id)
		if err != nil {
			return err
		}
		if status == "completed" || status == "canceled" {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// TestTransferLatency measures the time from starting a transfer to its completion. Each
// client moves one unit back and forth between its own pair of accounts.
func TestTransferLatency() {
	file, err := os.Create(output)
	checkError("Cannot create file", err)
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()

	for _, numClient := range []int{1, 2, 5, 10, 20, 50} {
		title := fmt.Sprintf("client%d", numClient)
		log.Println(title)
		latencyRow := []string{title}
		latencies := make([][]int, numClient)
		var clients []*client.BankClient
		for i := 0; i < numClient; i++ {
			c := client.NewBankClient(endpoint)
			for _, side := range []string{"a", "b"} {
				id := fmt.Sprintf("bench-%d-%d-%s", numClient, i, side)
				_, err := c.OpenAccount(id, "bench")
				checkError("Cannot open account", err)
				_, err = c.Deposit(id, decimal.NewFromInt(1))
				checkError("Cannot fund account", err)
			}
			clients = append(clients, c)
		}
		var wg sync.WaitGroup
		for i, c := range clients {
			wg.Add(1)
			go func(c *client.BankClient, k int) {
				defer wg.Done()
				a := fmt.Sprintf("bench-%d-%d-a", numClient, k)
				b := fmt.Sprintf("bench-%d-%d-b", numClient, k)
				expStart := time.Now()
				for time.Since(expStart) < duration {
					start := time.Now()
					id, err := c.Transfer(a, b, decimal.NewFromInt(1))
					if err == nil {
						err = waitDone(c, id)
					}
					if err != nil {
						fmt.Println(err)
						continue
					}
					latencies[k] = append(latencies[k], int(time.Since(start)/time.Microsecond))
					a, b = b, a
				}
			}(c, i)
		}
		wg.Wait()
		for _, lat := range latencies {
			for _, l := range lat {
				latencyRow = append(latencyRow, strconv.Itoa(l))
			}
		}
		err := writer.Write(latencyRow)
		checkError("Cannot write to file", err)
		time.Sleep(5 * time.Second)
	}
}

func main() {
	flag.Parse()
	TestTransferLatency()
}
