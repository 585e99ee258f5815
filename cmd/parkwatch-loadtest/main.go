// Load generator for the parkwatch server: simulates gate terminals that
// heartbeat, report vehicle traffic and count the frames fanned back out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	url            string
	clients        int
	rampPerSec     int
	duration       time.Duration
	heartbeatEvery time.Duration
	trafficEvery   time.Duration
	reportEvery    time.Duration
}

type stats struct {
	connected      int64
	failed         int64
	framesReceived int64
	welcomes       int64
	heartbeats     int64
	heartbeatAcks  int64
	entries        int64
	exits          int64
	sent           int64
	sendErrors     int64
}

var vehicleTypes = []string{"Car", "Motorcycle", "Truck"}

func main() {
	opts := options{}
	flag.StringVar(&opts.url, "url", "ws://127.0.0.1:8181", "server websocket URL")
	flag.IntVar(&opts.clients, "clients", 25, "number of simulated gate terminals")
	flag.IntVar(&opts.rampPerSec, "ramp", 10, "connections opened per second")
	flag.DurationVar(&opts.duration, "duration", 60*time.Second, "test duration")
	flag.DurationVar(&opts.heartbeatEvery, "heartbeat", 15*time.Second, "client heartbeat period")
	flag.DurationVar(&opts.trafficEvery, "traffic", 2*time.Second, "mean delay between vehicle events per client")
	flag.DurationVar(&opts.reportEvery, "report", 5*time.Second, "stats report period")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	st := &stats{}
	var wg sync.WaitGroup

	rampTicker := time.NewTicker(time.Second / time.Duration(max(opts.rampPerSec, 1)))
	defer rampTicker.Stop()

	log.Printf("ramping %d clients against %s", opts.clients, opts.url)
	go report(ctx, st, opts.reportEvery)

	for i := 0; i < opts.clients; i++ {
		select {
		case <-ctx.Done():
			i = opts.clients
		case <-rampTicker.C:
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runClient(ctx, id, opts, st)
			}(i)
		}
	}

	<-ctx.Done()
	wg.Wait()
	printStats(st)

	if atomic.LoadInt64(&st.failed) > 0 {
		os.Exit(1)
	}
}

func runClient(ctx context.Context, id int, opts options, st *stats) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		atomic.AddInt64(&st.failed, 1)
		log.Printf("client %d: dial failed: %v", id, err)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&st.connected, 1)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	go sendLoop(ctx, id, conn, opts, st)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&st.framesReceived, 1)

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "welcome":
			atomic.AddInt64(&st.welcomes, 1)
		case "heartbeat":
			atomic.AddInt64(&st.heartbeats, 1)
		case "heartbeat_ack":
			atomic.AddInt64(&st.heartbeatAcks, 1)
		case "vehicle_entry":
			atomic.AddInt64(&st.entries, 1)
		case "vehicle_exit":
			atomic.AddInt64(&st.exits, 1)
		}
	}
}

func sendLoop(ctx context.Context, id int, conn *websocket.Conn, opts options, st *stats) {
	heartbeat := time.NewTicker(opts.heartbeatEvery)
	defer heartbeat.Stop()
	period := opts.trafficEvery
	if period <= 0 {
		period = 2 * time.Second
	}
	traffic := time.NewTicker(period + time.Duration(rand.Int63n(int64(period))))
	defer traffic.Stop()

	// Plates this terminal has reported inside, so exits reference real
	// open tickets.
	var inside []string
	rng := rand.New(rand.NewSource(int64(id)))

	send := func(v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			atomic.AddInt64(&st.sendErrors, 1)
			return
		}
		atomic.AddInt64(&st.sent, 1)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			send(map[string]any{"type": "heartbeat"})
		case <-traffic.C:
			if len(inside) > 0 && rng.Intn(2) == 0 {
				plate := inside[rng.Intn(len(inside))]
				send(map[string]any{"type": "vehicle_exit", "plate_number": plate})
				filtered := inside[:0]
				for _, p := range inside {
					if p != plate {
						filtered = append(filtered, p)
					}
				}
				inside = filtered
			} else {
				plate := fmt.Sprintf("B%04d%c%c", rng.Intn(10000), 'A'+rng.Intn(26), 'A'+rng.Intn(26))
				send(map[string]any{
					"type":         "vehicle_entry",
					"plate_number": plate,
					"vehicle_type": vehicleTypes[rng.Intn(len(vehicleTypes))],
				})
				inside = append(inside, plate)
			}
		}
	}
}

func report(ctx context.Context, st *stats, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats(st)
		}
	}
}

func printStats(st *stats) {
	log.Printf("connected=%d failed=%d sent=%d send_errors=%d received=%d welcome=%d hb=%d ack=%d entry=%d exit=%d",
		atomic.LoadInt64(&st.connected),
		atomic.LoadInt64(&st.failed),
		atomic.LoadInt64(&st.sent),
		atomic.LoadInt64(&st.sendErrors),
		atomic.LoadInt64(&st.framesReceived),
		atomic.LoadInt64(&st.welcomes),
		atomic.LoadInt64(&st.heartbeats),
		atomic.LoadInt64(&st.heartbeatAcks),
		atomic.LoadInt64(&st.entries),
		atomic.LoadInt64(&st.exits))
}
