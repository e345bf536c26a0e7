package udpbridge

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"meshmon/internal/model"
)

const codeNotFound stun.ErrorCode = 404

// TracerouteHandler decides how the gateway answers a traceroute. A nil
// response with a nil error simulates a lost probe: the request is
// acknowledged but no answer follows.
type TracerouteHandler func(target string, hopLimit int) (*model.ProbeResponse, time.Duration, error)

// Gateway is a minimal in-process mesh gateway speaking the bridge protocol.
// It backs the simulator and the bridge tests.
type Gateway struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu          sync.Mutex
	local       model.Node
	nodes       model.NodeDB
	subscribers map[string]*net.UDPAddr
	handler     TracerouteHandler
	timers      []*time.Timer

	closed chan struct{}
	wg     sync.WaitGroup
}

// ListenGateway starts a gateway on addr whose own radio is local.
func ListenGateway(addr string, local model.Node, log *zap.Logger) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := nodeNum(local.ID); err != nil {
		return nil, fmt.Errorf("local node: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		conn:        conn,
		log:         log,
		local:       local,
		nodes:       model.NodeDB{local.ID: local},
		subscribers: make(map[string]*net.UDPAddr),
		closed:      make(chan struct{}),
	}
	g.wg.Add(1)
	go g.serve()
	return g, nil
}

// Addr returns the gateway's UDP address.
func (g *Gateway) Addr() string {
	return g.conn.LocalAddr().String()
}

// SetTracerouteHandler replaces the default handler, which answers every
// known node directly.
func (g *Gateway) SetTracerouteHandler(h TracerouteHandler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

// UpsertNode adds or replaces a node and announces it to subscribers.
func (g *Gateway) UpsertNode(n model.Node) error {
	attrs, err := nodeInfoAttrs(n)
	if err != nil {
		return err
	}
	method := methodNodeInfo
	g.mu.Lock()
	g.nodes[n.ID] = n
	if model.SameNode(n.ID, g.local.ID) {
		g.local = n
		method = methodLocalInfo
	}
	g.mu.Unlock()
	return g.broadcast(stun.NewType(method, stun.ClassIndication), attrs)
}

// PublishPacket announces a packet heard on the mesh.
func (g *Gateway) PublishPacket(p model.Packet) error {
	attrs, err := packetAttrs(p)
	if err != nil {
		return err
	}
	return g.broadcast(stun.NewType(methodPacketSeen, stun.ClassIndication), attrs)
}

// PublishResponse announces a traceroute answer.
func (g *Gateway) PublishResponse(r model.ProbeResponse) error {
	attrs, err := routeReplyAttrs(r)
	if err != nil {
		return err
	}
	return g.broadcast(stun.NewType(methodRouteReply, stun.ClassIndication), attrs)
}

// Close stops the gateway and cancels answers that have not been sent yet.
func (g *Gateway) Close() error {
	select {
	case <-g.closed:
		return nil
	default:
	}
	close(g.closed)
	g.mu.Lock()
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	g.mu.Unlock()
	err := g.conn.Close()
	g.wg.Wait()
	return err
}

func (g *Gateway) broadcast(typ stun.MessageType, attrs []stun.Setter) error {
	msg, err := build(typ, nil, attrs...)
	if err != nil {
		return err
	}
	g.mu.Lock()
	subs := make([]*net.UDPAddr, 0, len(g.subscribers))
	for _, addr := range g.subscribers {
		subs = append(subs, addr)
	}
	g.mu.Unlock()

	var errs []error
	for _, addr := range subs {
		if _, err := g.conn.WriteToUDP(msg.Raw, addr); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) serve() {
	defer g.wg.Done()
	buf := make([]byte, readBuffer)
	for {
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := decode(buf[:n])
		if err != nil || msg.Type.Class != stun.ClassRequest {
			continue
		}
		switch msg.Type.Method {
		case methodSubscribe:
			g.subscribe(msg, addr)
		case methodTraceroute:
			g.traceroute(msg, addr)
		default:
			g.reject(msg, addr, stun.CodeBadRequest, "unknown method")
		}
	}
}

func (g *Gateway) subscribe(req *stun.Message, addr *net.UDPAddr) {
	g.mu.Lock()
	g.subscribers[addr.String()] = addr
	local := g.local
	nodes := make([]model.Node, 0, len(g.nodes))
	for _, id := range g.nodes.SortedIDs() {
		if id != local.ID {
			nodes = append(nodes, g.nodes[id])
		}
	}
	g.mu.Unlock()

	attrs, err := nodeInfoAttrs(local)
	if err != nil {
		g.reject(req, addr, stun.CodeServerError, err.Error())
		return
	}
	g.reply(req, addr, stun.ClassSuccessResponse, attrs...)
	g.log.Debug("subscriber added", zap.Stringer("addr", addr))

	for _, n := range nodes {
		attrs, err := nodeInfoAttrs(n)
		if err != nil {
			continue
		}
		msg, err := build(stun.NewType(methodNodeInfo, stun.ClassIndication), nil, attrs...)
		if err != nil {
			continue
		}
		_, _ = g.conn.WriteToUDP(msg.Raw, addr)
	}
}

func (g *Gateway) traceroute(req *stun.Message, addr *net.UDPAddr) {
	num, ok := getU32(req, attrNodeNum)
	if !ok {
		g.reject(req, addr, stun.CodeBadRequest, "missing target")
		return
	}
	hopLimit := 0
	if hl, ok := getU8(req, attrHopLimit); ok {
		hopLimit = int(hl)
	}
	target := model.FormatNodeNum(num)

	g.mu.Lock()
	h := g.handler
	node, known := g.nodes.Lookup(target)
	g.mu.Unlock()

	var (
		resp  *model.ProbeResponse
		delay time.Duration
		err   error
	)
	if h != nil {
		resp, delay, err = h(target, hopLimit)
	} else if known {
		resp = &model.ProbeResponse{From: target, RxSNR: node.SNR}
	} else {
		g.reject(req, addr, codeNotFound, "unknown node")
		return
	}
	if err != nil {
		g.reject(req, addr, stun.CodeServerError, err.Error())
		return
	}
	g.reply(req, addr, stun.ClassSuccessResponse)
	if resp == nil {
		return
	}

	answer := *resp
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.closed:
		return
	default:
	}
	g.timers = append(g.timers, time.AfterFunc(delay, func() {
		select {
		case <-g.closed:
			return
		default:
		}
		if err := g.PublishResponse(answer); err != nil {
			g.log.Debug("publish response failed", zap.Error(err))
		}
	}))
}

func (g *Gateway) reply(req *stun.Message, addr *net.UDPAddr, class stun.MessageClass, attrs ...stun.Setter) {
	msg, err := build(stun.NewType(req.Type.Method, class), req.TransactionID[:], attrs...)
	if err != nil {
		g.log.Debug("build reply failed", zap.Error(err))
		return
	}
	_, _ = g.conn.WriteToUDP(msg.Raw, addr)
}

func (g *Gateway) reject(req *stun.Message, addr *net.UDPAddr, code stun.ErrorCode, reason string) {
	g.reply(req, addr, stun.ClassErrorResponse, stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)})
}
