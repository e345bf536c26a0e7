package udpbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshmon/internal/config"
	"meshmon/internal/model"
)

var (
	// ErrGatewayRejected is returned when the gateway answers a request with
	// an error response.
	ErrGatewayRejected = errors.New("gateway rejected request")
	// ErrClosed is returned by operations on a closed bridge.
	ErrClosed = errors.New("bridge closed")
)

const (
	responseBuffer = 64
	packetBuffer   = 1024
	readBuffer     = 2048
)

// Bridge is a UDP client for a mesh gateway. It keeps a copy of the gateway's
// node directory, sends traceroute requests and streams what the mesh hears.
type Bridge struct {
	conn       *net.UDPConn
	remote     *net.UDPAddr
	log        *zap.Logger
	limiter    *rate.Limiter
	ackTimeout time.Duration

	mu      sync.Mutex
	nodes   model.NodeDB
	local   model.Node
	waiters map[[stun.TransactionIDSize]byte]chan *stun.Message

	responses chan model.ProbeResponse
	packets   chan model.Packet

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the local socket, subscribes to the gateway at cfg.Address and
// waits for the subscription to be acknowledged.
func Dial(ctx context.Context, cfg config.GatewayConfig, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("gateway address is empty")
	}
	remote, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway %s: %w", cfg.Address, err)
	}
	listen := cfg.Listen
	if listen == "" {
		listen = config.DefaultGatewayListen
	}
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen %s: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = config.DefaultGatewaySendRate
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = config.DefaultAckTimeout
	}

	b := &Bridge{
		conn:       conn,
		remote:     remote,
		log:        log.With(zap.String("gateway", remote.String())),
		limiter:    rate.NewLimiter(rate.Limit(sendRate), 1),
		ackTimeout: ackTimeout,
		nodes:      make(model.NodeDB),
		waiters:    make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		responses:  make(chan model.ProbeResponse, responseBuffer),
		packets:    make(chan model.Packet, packetBuffer),
		closed:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()

	ack, err := b.request(ctx, stun.NewType(methodSubscribe, stun.ClassRequest))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	local, err := decodeNodeInfo(ack)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	b.setLocal(local)
	b.log.Info("subscribed to gateway", zap.String("local", local.ID), zap.String("listen", conn.LocalAddr().String()))
	return b, nil
}

// LocalAddr returns the bridge's UDP address.
func (b *Bridge) LocalAddr() string {
	if b == nil || b.conn == nil {
		return ""
	}
	return b.conn.LocalAddr().String()
}

// SendProbe asks the gateway to send a traceroute to target. It returns once
// the gateway has accepted the request; the answer arrives on Responses.
func (b *Bridge) SendProbe(ctx context.Context, target string, hopLimit int) error {
	num, err := nodeNum(target)
	if err != nil {
		return err
	}
	if hopLimit < 0 || hopLimit > 255 {
		return fmt.Errorf("hop limit %d out of range", hopLimit)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = b.request(ctx, stun.NewType(methodTraceroute, stun.ClassRequest),
		raw(attrNodeNum, u32(num)),
		raw(attrHopLimit, []byte{uint8(hopLimit)}),
	)
	if err != nil {
		return fmt.Errorf("traceroute %s: %w", target, err)
	}
	return nil
}

// Nodes returns a copy of the node directory learned from the gateway.
func (b *Bridge) Nodes() model.NodeDB {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes.Clone()
}

// LocalID returns the id of the gateway's own radio.
func (b *Bridge) LocalID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local.ID
}

// LocalNode returns the gateway's own radio as last reported.
func (b *Bridge) LocalNode() model.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local
}

// Responses streams traceroute answers. The channel is closed by Close.
func (b *Bridge) Responses() <-chan model.ProbeResponse {
	return b.responses
}

// Packets streams packets the gateway heard. The channel is closed by Close.
func (b *Bridge) Packets() <-chan model.Packet {
	return b.packets
}

// Close stops the read loop and closes the socket.
func (b *Bridge) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
		b.wg.Wait()
		close(b.responses)
		close(b.packets)
	})
	return err
}

func (b *Bridge) request(ctx context.Context, typ stun.MessageType, attrs ...stun.Setter) (*stun.Message, error) {
	msg, err := build(typ, nil, attrs...)
	if err != nil {
		return nil, err
	}

	wait := make(chan *stun.Message, 1)
	b.mu.Lock()
	b.waiters[msg.TransactionID] = wait
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, msg.TransactionID)
		b.mu.Unlock()
	}()

	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}
	if _, err := b.conn.WriteToUDP(msg.Raw, b.remote); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()
	select {
	case res := <-wait:
		if res.Type.Class == stun.ClassErrorResponse {
			var code stun.ErrorCodeAttribute
			if err := code.GetFrom(res); err != nil {
				return nil, ErrGatewayRejected
			}
			return nil, fmt.Errorf("%w: %d %s", ErrGatewayRejected, code.Code, code.Reason)
		}
		return res, nil
	case <-timer.C:
		return nil, fmt.Errorf("no ack within %s", b.ackTimeout)
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) fromGateway(addr *net.UDPAddr) bool {
	if addr.Port != b.remote.Port {
		return false
	}
	return b.remote.IP.IsUnspecified() || b.remote.IP.Equal(addr.IP)
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, readBuffer)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.closed:
			default:
				b.log.Warn("gateway read failed", zap.Error(err))
			}
			return
		}
		if !b.fromGateway(addr) {
			continue
		}
		msg, err := decode(buf[:n])
		if err != nil {
			b.log.Debug("dropping datagram", zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		b.handle(msg)
	}
}

func (b *Bridge) handle(msg *stun.Message) {
	switch msg.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		b.mu.Lock()
		wait, ok := b.waiters[msg.TransactionID]
		b.mu.Unlock()
		if ok {
			select {
			case wait <- msg:
			default:
			}
		}
		return
	case stun.ClassIndication:
	default:
		return
	}

	now := time.Now()
	switch msg.Type.Method {
	case methodNodeInfo:
		n, err := decodeNodeInfo(msg)
		if err != nil {
			b.log.Debug("bad node info", zap.Error(err))
			return
		}
		b.mu.Lock()
		b.nodes[n.ID] = n
		b.mu.Unlock()
	case methodLocalInfo:
		n, err := decodeNodeInfo(msg)
		if err != nil {
			b.log.Debug("bad local info", zap.Error(err))
			return
		}
		b.setLocal(n)
	case methodRouteReply:
		r, err := decodeRouteReply(msg, now)
		if err != nil {
			b.log.Debug("bad route reply", zap.Error(err))
			return
		}
		select {
		case b.responses <- r:
		default:
			b.log.Warn("response queue full, dropping", zap.String("from", r.From))
		}
	case methodPacketSeen:
		p, err := decodePacket(msg, now)
		if err != nil {
			b.log.Debug("bad packet", zap.Error(err))
			return
		}
		select {
		case b.packets <- p:
		default:
			b.log.Warn("packet queue full, dropping", zap.String("from", p.From))
		}
	}
}

func (b *Bridge) setLocal(n model.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = n
	b.nodes[n.ID] = n
}
