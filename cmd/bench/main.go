// Command bench drives a Zipfian-distributed query load against a running
// resolver over UDP and reports throughput and latency percentiles.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

// Stats accumulates counters across every worker goroutine.
type Stats struct {
	TotalQueries  uint64
	Success       uint64
	Errors        uint64
	BytesSent     uint64
	BytesReceived uint64
	Latencies     chan time.Duration
}

var tlds = []string{"com", "net", "org", "io", "dev", "ai", "cloud", "gov", "edu", "tr", "com.tr", "me", "info"}

func main() {
	target := flag.String("server", "127.0.0.1:10053", "DNS server to test")
	concurrency := flag.Int("c", 10, "number of concurrent workers")
	count := flag.Int("n", 1000, "total number of queries to send")
	rangeLimit := flag.Int("range", 100000, "number of distinct names in the query pool")
	zipfS := flag.Float64("zipf-s", 1.1, "Zipf distribution constant (s > 1); higher means hotter names")
	zipfV := flag.Float64("zipf-v", 100, "Zipf distribution constant (v >= 1)")
	flag.Parse()

	runBenchmark(*target, *count, *concurrency, uint64(*rangeLimit), *zipfS, *zipfV)
}

func runBenchmark(target string, count int, concurrency int, rangeLimit uint64, s float64, v float64) {
	runID := uuid.New()
	fmt.Printf("Starting benchmark run %s\n", runID)
	fmt.Printf("Configuration: %d queries | %d concurrency | pool %d | zipf(s=%.1f, v=%.1f)\n", count, concurrency, rangeLimit, s, v)

	stats := &Stats{Latencies: make(chan time.Duration, count)}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	perWorker := count / concurrency
	extra := count % concurrency
	for i := 0; i < concurrency; i++ {
		n := perWorker
		if i < extra {
			n++
		}
		go func(workerID, n int) {
			defer wg.Done()
			runWorker(target, n, workerID, rangeLimit, s, v, stats)
		}(i, n)
	}

	wg.Wait()
	duration := time.Since(start)
	close(stats.Latencies)

	printEnhancedReport(duration, stats, concurrency, count)
}

// runWorker sends perWorker queries over a single UDP socket, drawing names
// from a Zipfian distribution so a small set of "hot" names dominates
// traffic, the way a real resolver's query mix looks.
func runWorker(target string, perWorker int, workerID int, rangeLimit uint64, s, v float64, stats *Stats) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		fmt.Printf("worker %d: connection error: %v\n", workerID, err)
		return
	}
	defer conn.Close()

	recvBuf := make([]byte, packet.MaxUDPPacketSize)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	zipf := rand.NewZipf(rng, s, v, rangeLimit-1)

	for i := 0; i < perWorker; i++ {
		idx := zipf.Uint64()
		name := fmt.Sprintf("host-%d.%s", idx, tlds[idx%uint64(len(tlds))])

		req := packet.NewDNSPacket()
		req.Header.ID = uint16(rng.Uint32())
		req.Header.RecursionDesired = true
		req.Questions = append(req.Questions, *packet.NewDNSQuestion(name, packet.A))

		buf := packet.NewFixed512Buffer()
		if err := req.Write(buf); err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			atomic.AddUint64(&stats.TotalQueries, 1)
			continue
		}
		data := packet.Bytes(buf)

		queryStart := time.Now()
		n, err := conn.Write(data)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			atomic.AddUint64(&stats.TotalQueries, 1)
			continue
		}
		atomic.AddUint64(&stats.BytesSent, uint64(n))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err = conn.Read(recvBuf)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
		} else {
			atomic.AddUint64(&stats.Success, 1)
			atomic.AddUint64(&stats.BytesReceived, uint64(n))
			stats.Latencies <- time.Since(queryStart)
		}
		atomic.AddUint64(&stats.TotalQueries, 1)
	}
}

func printEnhancedReport(duration time.Duration, stats *Stats, concurrency, totalRequested int) {
	qps := float64(stats.Success) / duration.Seconds()
	mbSent := float64(stats.BytesSent) / 1024 / 1024
	mbRecv := float64(stats.BytesReceived) / 1024 / 1024

	var latencies []time.Duration
	for l := range stats.Latencies {
		latencies = append(latencies, l)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("\n============================================")
	fmt.Println("          RESOLVER PERFORMANCE REPORT         ")
	fmt.Println("============================================")
	fmt.Printf("Requested:        %d queries\n", totalRequested)
	fmt.Printf("Test Duration:    %v\n", duration)
	fmt.Printf("Concurrency:      %d workers\n", concurrency)
	fmt.Printf("Throughput:       %.2f queries/sec\n", qps)
	fmt.Printf("Data Transfer:    %.2f MB Sent | %.2f MB Received\n", mbSent, mbRecv)

	fmt.Println("\n--- Query Statistics ---")
	fmt.Printf("Total Attempted:  %d\n", stats.TotalQueries)
	fmt.Printf("Successful:       %d\n", stats.Success)
	fmt.Printf("Failed/Timed out: %d\n", stats.Errors)
	if stats.TotalQueries > 0 {
		fmt.Printf("Reliability:      %.2f%%\n", (float64(stats.Success)/float64(stats.TotalQueries))*100)
	}

	if len(latencies) > 0 {
		fmt.Println("\n--- Latency Percentiles ---")
		fmt.Printf("P50 (Median):     %v\n", latencies[len(latencies)/2])
		fmt.Printf("P90:              %v\n", latencies[int(float64(len(latencies))*0.90)])
		fmt.Printf("P95:              %v\n", latencies[int(float64(len(latencies))*0.95)])
		fmt.Printf("P99:              %v\n", latencies[int(float64(len(latencies))*0.99)])
		fmt.Printf("Min:              %v\n", latencies[0])
		fmt.Printf("Max:              %v\n", latencies[len(latencies)-1])
	}
	fmt.Println("============================================")
}
