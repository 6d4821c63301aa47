package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HTTPAddr string `json:"http_addr"`
}

func main() {
	addr := pflag.String("addr", "http://localhost:8080", "any node's HTTP address")
	n := pflag.IntP("requests", "n", 500, "cash flows to issue")
	conc := pflag.IntP("concurrency", "c", 16, "concurrent requests")
	fund := pflag.Int64("fund", 1000, "initial funding per node (0 to skip)")
	amount := pflag.Int64("amount", 1, "amount per cash flow")
	pflag.Parse()

	if err := run(*addr, *n, *conc, *fund, *amount); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr string, n, conc int, fund, amount int64) error {
	client := &http.Client{Timeout: 45 * time.Second}

	var peers []member
	if err := getJSON(client, addr+"/peers", &peers); err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}
	var nodes []member
	for _, p := range peers {
		if p.HTTPAddr != "" {
			nodes = append(nodes, p)
		}
	}
	if len(nodes) < 2 {
		return fmt.Errorf("need at least 2 nodes with an HTTP address, found %d", len(nodes))
	}

	if fund > 0 {
		for _, m := range nodes {
			body := map[string]any{"target": m.ID, "amount": fund}
			if err := postJSON(client, addr+"/funding", body); err != nil {
				return fmt.Errorf("fund %s: %w", m.Name, err)
			}
		}
		fmt.Printf("Funded %d nodes with %d\n", len(nodes), fund)
	}

	var (
		ok, failed atomic.Int64
		g          errgroup.Group
	)
	g.SetLimit(conc)
	start := time.Now()
	for range n {
		from := nodes[rand.Intn(len(nodes))]
		to := nodes[rand.Intn(len(nodes))]
		for to.ID == from.ID {
			to = nodes[rand.Intn(len(nodes))]
		}
		g.Go(func() error {
			body := map[string]any{"to": to.ID, "amount": amount}
			if err := postJSON(client, "http://"+from.HTTPAddr+"/cashflow", body); err != nil {
				failed.Add(1)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d cash flows (%d failed) in %s (%.2f ops/s)\n",
		ok.Load(), failed.Load(), dur, float64(n)/dur.Seconds())
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
