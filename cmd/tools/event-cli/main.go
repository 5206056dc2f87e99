package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/annel0/mmo-client/internal/eventbus"
)

const (
	defaultNATSURL = "nats://localhost:4222"
	timeFormat     = "15:04:05.000"
	maxPayloadLen  = 120
)

func main() {
	var (
		natsURL    = flag.String("nats", defaultNATSURL, "NATS server URL")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Source components filter (comma-separated)")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
		window     = flag.Duration("window", 10*time.Second, "Collection window for stats/types")
	)
	flag.Parse()

	// Подключаемся к NATS
	nc, err := nats.Connect(*natsURL, nats.Name("event-cli"))
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer nc.Drain()

	filter := &EventFilter{
		Types:   parseStringList(*eventTypes),
		Sources: parseStringList(*sources),
	}

	// Выполняем команду
	switch *command {
	case "tail":
		if err := tailEvents(nc, filter, *limit, *follow); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(nc, filter, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	case "types":
		if err := showTypes(nc, *window); err != nil {
			log.Fatalf("❌ Types failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
}

// EventFilter клиентский фильтр по типу и источнику события
type EventFilter struct {
	Types   []string
	Sources []string
}

// Match сообщает, проходит ли событие фильтр
func (f *EventFilter) Match(ev *eventbus.Envelope) bool {
	if len(f.Types) > 0 && !contains(f.Types, ev.EventType) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, ev.Source) {
		return false
	}
	return true
}

// tailEvents выводит события в реальном времени
func tailEvents(nc *nats.Conn, filter *EventFilter, limit int, follow bool) error {
	fmt.Printf("🎬 Tailing events (limit: %d, follow: %v)\n", limit, follow)

	events := make(chan *eventbus.Envelope, 256)
	sub, err := subscribeEnvelopes(nc, events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	eventCount := 0
	for {
		select {
		case ev := <-events:
			if !filter.Match(ev) {
				continue
			}
			printEvent(ev)
			eventCount++
			if !follow && eventCount >= limit {
				fmt.Printf("\n📊 Total events: %d\n", eventCount)
				return nil
			}

		case <-sigCh:
			fmt.Printf("\n📊 Total events: %d\n", eventCount)
			return nil
		}
	}
}

// showStats собирает события в течение окна и выводит счётчики по типам
func showStats(nc *nats.Conn, filter *EventFilter, window time.Duration) error {
	fmt.Printf("📊 Collecting events for %v...\n", window)

	events := make(chan *eventbus.Envelope, 256)
	sub, err := subscribeEnvelopes(nc, events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	counts := make(map[string]int)
	bySource := make(map[string]int)
	total := 0

	deadline := time.After(window)
	for {
		select {
		case ev := <-events:
			if !filter.Match(ev) {
				continue
			}
			counts[ev.EventType]++
			bySource[ev.Source]++
			total++

		case <-deadline:
			fmt.Printf("Total events: %d (%.1f/s)\n", total, float64(total)/window.Seconds())
			fmt.Println("\nBy event type:")
			for _, key := range sortedKeys(counts) {
				fmt.Printf("  %s: %d events\n", key, counts[key])
			}
			fmt.Println("\nBy source:")
			for _, key := range sortedKeys(bySource) {
				fmt.Printf("  %s: %d events\n", key, bySource[key])
			}
			return nil
		}
	}
}

// showTypes собирает события в течение окна и выводит различные типы
func showTypes(nc *nats.Conn, window time.Duration) error {
	fmt.Printf("📋 Collecting event types for %v...\n", window)

	events := make(chan *eventbus.Envelope, 256)
	sub, err := subscribeEnvelopes(nc, events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	seen := make(map[string]bool)

	deadline := time.After(window)
	for {
		select {
		case ev := <-events:
			seen[ev.EventType] = true

		case <-deadline:
			types := make([]string, 0, len(seen))
			for key := range seen {
				types = append(types, key)
			}
			sort.Strings(types)

			fmt.Printf("Observed %d event types:\n", len(types))
			for _, key := range types {
				fmt.Printf("  %s\n", key)
			}
			return nil
		}
	}
}

// subscribeEnvelopes подписывается на все события шины и декодирует конверты
func subscribeEnvelopes(nc *nats.Conn, out chan<- *eventbus.Envelope) (*nats.Subscription, error) {
	return nc.Subscribe("events.>", func(msg *nats.Msg) {
		var ev eventbus.Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case out <- &ev:
		default: // переполнение буфера: событие пропускается
		}
	})
}

// printEvent выводит одну строку на событие
func printEvent(ev *eventbus.Envelope) {
	payload := string(ev.Payload)
	if len(payload) > maxPayloadLen {
		payload = payload[:maxPayloadLen] + "…"
	}
	fmt.Printf("[%s] %-24s %-10s p%d %s\n",
		ev.Timestamp.Format(timeFormat), ev.EventType, ev.Source, ev.Priority, payload)
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
