// Command bench measures how long a local state change takes to show up in
// other nodes' views.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type viewEntry struct {
	NodeID    string `json:"node_id"`
	Component string `json:"component"`
	Version   int64  `json:"version"`
}

func main() {
	writer := flag.String("write", "http://localhost:8080", "node that receives the updates")
	readers := flag.String("read", "http://localhost:8081", "comma separated nodes to watch")
	n := flag.Int("n", 200, "updates")
	component := flag.String("component", "resource_view", "component to update")
	valSize := flag.Int("val", 128, "payload size bytes")
	timeout := flag.Duration("timeout", 10*time.Second, "give up on one update after this long")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	var info struct {
		ID string `json:"id"`
	}
	if err := getJSON(client, *writer+"/info", &info); err != nil {
		fmt.Fprintln(os.Stderr, "info:", err)
		os.Exit(1)
	}
	targets := strings.Split(*readers, ",")

	var lat []time.Duration
	missed := 0
	start := time.Now()
	for i := 0; i < *n; i++ {
		payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
		t0 := time.Now()
		v, err := put(client, *writer+"/local/"+*component, payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "put:", err)
			os.Exit(1)
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		worst := time.Duration(0)
		ok := true
		for _, r := range targets {
			wg.Add(1)
			go func(r string) {
				defer wg.Done()
				seen := waitFor(client, r, info.ID, *component, v, *timeout)
				d := time.Since(t0)
				mu.Lock()
				defer mu.Unlock()
				if !seen {
					ok = false
				}
				if d > worst {
					worst = d
				}
			}(strings.TrimSpace(r))
		}
		wg.Wait()
		if !ok {
			missed++
			continue
		}
		lat = append(lat, worst)
	}
	dur := time.Since(start)

	if len(lat) == 0 {
		fmt.Printf("no update converged (%d missed)\n", missed)
		os.Exit(1)
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Printf("Converged %d/%d updates across %d nodes in %s\n", len(lat), *n, len(targets), dur)
	fmt.Printf("  p50 %s  p90 %s  p99 %s  max %s\n",
		pct(lat, 0.50), pct(lat, 0.90), pct(lat, 0.99), lat[len(lat)-1])
}

func put(c *http.Client, url string, body []byte) (int64, error) {
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %s", resp.Status)
	}
	var out struct {
		Version int64 `json:"version"`
	}
	return out.Version, json.NewDecoder(resp.Body).Decode(&out)
}

// waitFor polls a node's view until it holds version v of the writer's
// component.
func waitFor(c *http.Client, base, id, component string, v int64, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		var resp struct {
			Remote []viewEntry `json:"remote"`
		}
		if err := getJSON(c, base+"/view", &resp); err == nil {
			for _, e := range resp.Remote {
				if e.NodeID == id && e.Component == component && e.Version >= v {
					return true
				}
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func getJSON(c *http.Client, url string, v any) error {
	resp, err := c.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func pct(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}
