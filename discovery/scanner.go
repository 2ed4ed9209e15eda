package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ObservationType identifies what happened to a peer on the LAN.
type ObservationType string

// Observation types.
const (
	// ObservationDiscovered is emitted when a peer appears or its
	// endpoint changes.
	ObservationDiscovered ObservationType = "discovered"
	// ObservationLost is emitted when a previously seen peer disappears.
	ObservationLost ObservationType = "lost"
)

// Observation is one discovery fact about a remote peer.
type Observation struct {
	Type        ObservationType
	PeerID      string
	Name        string
	Endpoint    string
	Fingerprint string
}

// knownPeer is the scanner's view of one advertised peer.
type knownPeer struct {
	PeerID      string
	Name        string
	Endpoint    string
	Fingerprint string
	LastSeen    time.Time
}

// Scanner browses the LAN periodically and emits observations on a
// bounded channel.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]knownPeer

	observations chan Observation

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:          cfg,
		browse:       browse,
		peers:        make(map[string]knownPeer),
		observations: make(chan Observation, 128),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes the observation channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.observations)
	})
}

// Observations provides asynchronous discovery updates.
func (s *Scanner) Observations() <-chan Observation {
	return s.observations
}

// Peers returns a snapshot of the currently visible peers, sorted by name.
func (s *Scanner) Peers() []Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Observation, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, Observation{
			Type:        ObservationDiscovered,
			PeerID:      peer.PeerID,
			Name:        peer.Name,
			Endpoint:    peer.Endpoint,
			Fingerprint: peer.Fingerprint,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the peer list immediately.
	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]knownPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfPeerID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.PeerID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	s.applySnapshot(collected)
}

func (s *Scanner) applySnapshot(next map[string]knownPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || old.Endpoint != peer.Endpoint || old.Fingerprint != peer.Fingerprint {
			s.observe(Observation{
				Type:        ObservationDiscovered,
				PeerID:      peer.PeerID,
				Name:        peer.Name,
				Endpoint:    peer.Endpoint,
				Fingerprint: peer.Fingerprint,
			})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.observe(Observation{Type: ObservationLost, PeerID: peer.PeerID, Name: peer.Name})
		}
	}
}

func (s *Scanner) observe(obs Observation) {
	select {
	case s.observations <- obs:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (knownPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return knownPeer{}, false
	}

	address := pickAddress(entry)
	if address == "" || entry.Port <= 0 {
		return knownPeer{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return knownPeer{
		PeerID:      peerID,
		Name:        name,
		Endpoint:    net.JoinHostPort(address, strconv.Itoa(entry.Port)),
		Fingerprint: strings.TrimSpace(txt["fingerprint"]),
	}, true
}

// pickAddress prefers IPv4; mDNS entries often carry link-local IPv6
// addresses that are not dialable without a zone.
func pickAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && ip.String() != "" {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip == nil || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.String() != "" {
			return ip.String()
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, item := range text {
		key, value, found := strings.Cut(item, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
