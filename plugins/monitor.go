package plugins

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"github.com/linht/lora-manager/sx127x"
)

// Monitor defaults
const (
	DefaultMonitorPollTicks = 1000
	DefaultMonitorHistory   = 50

	monitorRetryDelay = 100 * time.Millisecond
	subscriberBuffer  = 16
	broadcastBatch    = 16
)

// MonitorConfig controls the background receive loop.
type MonitorConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	PollTicks     int  `yaml:"poll_ticks" json:"poll_ticks"`
	History       int  `yaml:"history" json:"history"`
	DropCRCErrors bool `yaml:"drop_crc_errors" json:"drop_crc_errors"`
}

// Packet is a frame taken from the radio by the monitor.
type Packet struct {
	ID     uuid.UUID           `json:"id"`
	Time   time.Time           `json:"time"`
	Data   []byte              `json:"data"`
	Status sx127x.PacketStatus `json:"status"`
}

// Monitor keeps the radio in continuous receive and fans received packets
// out to subscribers. A Monitor runs once; Stop disposes its queue.
type Monitor struct {
	radio *sx127x.Radio
	cfg   MonitorConfig
	log   *slog.Logger
	queue *queue.Queue

	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan Packet
	recent      []Packet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for radio. Zero config values take defaults.
func NewMonitor(radio *sx127x.Radio, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.PollTicks <= 0 {
		cfg.PollTicks = DefaultMonitorPollTicks
	}
	if cfg.History <= 0 {
		cfg.History = DefaultMonitorHistory
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		radio:       radio,
		cfg:         cfg,
		log:         logger,
		queue:       queue.New(int64(cfg.History)),
		subscribers: make(map[uuid.UUID]chan Packet),
	}
}

// Start puts the radio in continuous receive and launches the receive and
// broadcast goroutines.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.radio.StartReceiving(); err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.receiveLoop(ctx)
	go m.broadcastLoop()

	m.log.Info("LoRa monitor started", "poll_ticks", m.cfg.PollTicks, "history", m.cfg.History)
	return nil
}

// Stop ends both goroutines and closes every subscriber channel.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.queue.Dispose()
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()

	m.log.Info("LoRa monitor stopped")
}

func (m *Monitor) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	buf := make([]byte, 255)
	for ctx.Err() == nil {
		ok, err := m.radio.WaitForPacket(ctx, m.cfg.PollTicks)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("LoRa monitor wait failed", "error", err)
			m.pause(ctx)
			continue
		}
		if !ok {
			continue
		}

		n, err := m.radio.Receive(buf)
		if err != nil {
			m.log.Error("LoRa monitor receive failed", "error", err)
			m.pause(ctx)
			continue
		}
		if n == 0 {
			continue
		}

		status := m.radio.LastPacket()
		if status.CRCError && m.cfg.DropCRCErrors {
			m.log.Warn("LoRa packet dropped", "reason", "crc_error", "rssi", status.RSSI)
			continue
		}

		pkt := Packet{
			ID:     uuid.New(),
			Time:   time.Now(),
			Data:   append([]byte(nil), buf[:n]...),
			Status: status,
		}
		if err := m.queue.Put(pkt); err != nil {
			return
		}
	}
}

func (m *Monitor) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(monitorRetryDelay):
	}
}

func (m *Monitor) broadcastLoop() {
	defer m.wg.Done()

	for {
		items, err := m.queue.Get(broadcastBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			m.broadcast(item.(Packet))
		}
	}
}

func (m *Monitor) broadcast(pkt Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent = append(m.recent, pkt)
	if over := len(m.recent) - m.cfg.History; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}

	for id, ch := range m.subscribers {
		select {
		case ch <- pkt:
		default:
			m.log.Warn("LoRa stream subscriber lagging, packet skipped", "subscriber", id)
		}
	}

	m.log.Info("LoRa packet received", "id", pkt.ID, "length", len(pkt.Data), "rssi", pkt.Status.RSSI, "crc_error", pkt.Status.CRCError)
}

// Subscribe registers a packet stream. The channel is closed by Unsubscribe
// or Stop.
func (m *Monitor) Subscribe() (uuid.UUID, <-chan Packet) {
	id := uuid.New()
	ch := make(chan Packet, subscriberBuffer)

	m.mu.Lock()
	m.subscribers[id] = ch
	m.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (m *Monitor) Unsubscribe(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Recent returns the retained packets, oldest first.
func (m *Monitor) Recent() []Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Packet(nil), m.recent...)
}

// Subscribers returns the number of active streams.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}
