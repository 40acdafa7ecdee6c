package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/1ureka/togetherly/internal/identity"
	"github.com/1ureka/togetherly/internal/util"
)

// BrokerOptions tunes the broker.
type BrokerOptions struct {
	// ClaimTTL is how long an identifier claim lives without a refresh.
	ClaimTTL time.Duration
	// RelayRate is the sustained number of messages per second a peer may
	// relay; 0 disables limiting.
	RelayRate float64
	// RelayBurst is the token bucket size.
	RelayBurst int
}

// DefaultBrokerOptions returns the options used when none are configured.
func DefaultBrokerOptions() BrokerOptions {
	return BrokerOptions{ClaimTTL: 2 * time.Minute, RelayRate: 50, RelayBurst: 200}
}

// Broker relays signaling messages between connected identifiers.
type Broker struct {
	registry Registry
	metrics  *Metrics
	limits   *limiterStore
	opts     BrokerOptions

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewBroker returns a Broker backed by registry.
func NewBroker(registry Registry, metrics *Metrics, opts BrokerOptions) *Broker {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultBrokerOptions().ClaimTTL
	}
	return &Broker{
		registry: registry,
		metrics:  metrics,
		limits:   newLimiterStore(rate.Limit(opts.RelayRate), opts.RelayBurst),
		opts:     opts,
		peers:    make(map[string]*peer),
	}
}

// NewRouter returns the broker's HTTP routes: the WebSocket endpoint,
// identifier minting, health and metrics.
func NewRouter(b *Broker, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": b.PeerCount()})
	})
	router.GET("/id", b.handleNewID)
	router.GET("/ws", b.handleWS)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return router
}

// PeerCount returns the number of identifiers connected to this broker.
func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Close disconnects every peer.
func (b *Broker) Close() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// handleNewID mints an identifier that is not currently claimed.
func (b *Broker) handleNewID(c *gin.Context) {
	for range 5 {
		id := identity.Generate()
		taken, err := b.registry.Taken(c.Request.Context(), id)
		if err != nil {
			util.LogError("Registry lookup failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
			return
		}
		if !taken {
			c.JSON(http.StatusOK, gin.H{"id": id})
			return
		}
	}
	c.JSON(http.StatusConflict, gin.H{"error": "could not allocate an identifier"})
}

func (b *Broker) handleWS(c *gin.Context) {
	id := c.Query("id")
	if !identity.Validate(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("Failed to upgrade connection: %v", err)
		return
	}

	ctx := context.Background()
	ok, err := b.registry.Claim(ctx, id, b.opts.ClaimTTL)
	if err != nil {
		util.LogError("Registry claim for %s failed: %v", id, err)
		rejectConn(conn, Message{Type: MsgTypeError, Payload: &Payload{Error: "registry unavailable"}})
		return
	}
	if !ok {
		b.metrics.collision()
		util.LogInfo("Identifier %s already taken", id)
		rejectConn(conn, Message{Type: MsgTypeIDTaken, Dst: id})
		return
	}

	p := newPeer(id, conn)
	b.mu.Lock()
	b.peers[id] = p
	b.mu.Unlock()
	b.metrics.peerJoined()
	util.LogInfo("Peer %s connected", id)

	p.enqueue(Message{Type: MsgTypeOpen, Dst: id})

	go p.writePump(func() {
		if err := b.registry.Refresh(ctx, id, b.opts.ClaimTTL); err != nil {
			util.LogWarning("Failed to refresh claim for %s: %v", id, err)
		}
	})
	p.readPump(func(msg Message) { b.route(p, msg) })

	b.remove(ctx, p)
}

// route relays msg from src to its destination.
func (b *Broker) route(src *peer, msg Message) {
	if !msg.Type.relayed() {
		b.metrics.dropped("unknown_type")
		util.LogDebug("Ignoring %q from %s", msg.Type, src.id)
		return
	}
	if !b.limits.allow(src.id) {
		b.metrics.dropped("rate_limited")
		src.enqueue(Message{Type: MsgTypeError, Payload: &Payload{ConnectionID: msg.ConnectionID(), Error: "rate limited"}})
		return
	}

	msg.Src = src.id

	b.mu.RLock()
	dst, ok := b.peers[msg.Dst]
	b.mu.RUnlock()

	if !ok {
		if msg.Type == MsgTypeOffer {
			b.metrics.expired()
			src.enqueue(Message{Type: MsgTypeExpire, Dst: msg.Dst, Payload: &Payload{ConnectionID: msg.ConnectionID()}})
		} else {
			b.metrics.dropped("unknown_destination")
		}
		return
	}

	if dst.enqueue(msg) {
		b.metrics.relayed(msg.Type)
	} else {
		b.metrics.dropped("buffer_full")
	}
}

func (b *Broker) remove(ctx context.Context, p *peer) {
	p.close()

	b.mu.Lock()
	if b.peers[p.id] == p {
		delete(b.peers, p.id)
	}
	b.mu.Unlock()

	b.limits.forget(p.id)
	b.metrics.peerLeft()
	if err := b.registry.Release(ctx, p.id); err != nil {
		util.LogWarning("Failed to release %s: %v", p.id, err)
	}
	util.LogInfo("Peer %s disconnected", p.id)
}
