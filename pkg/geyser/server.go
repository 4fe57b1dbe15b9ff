package geyser

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/bank"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
)

const (
	serviceName     = "stratus.geyser.Geyser"
	subscribeMethod = "/" + serviceName + "/Subscribe"
	tokenHeader     = "x-token"
)

// Server errors.
var (
	ErrServerClosed   = errors.New("geyser server closed")
	ErrSlowSubscriber = errors.New("subscriber fell behind")
)

// streamService is the handler type of the service descriptor.
type streamService interface {
	subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(streamService).subscribe(req, stream)
}

type subscriber struct {
	id       uint64
	req      SubscribeRequest
	accounts map[types.Pubkey]struct{}
	owners   map[types.Pubkey]struct{}
	updates  chan *Update
	done     chan struct{}
	once     sync.Once
	reason   error
}

func newSubscriber(id uint64, req *SubscribeRequest, buffer int) *subscriber {
	sub := &subscriber{
		id:       id,
		req:      *req,
		accounts: make(map[types.Pubkey]struct{}, len(req.Accounts)),
		owners:   make(map[types.Pubkey]struct{}, len(req.Owners)),
		updates:  make(chan *Update, buffer),
		done:     make(chan struct{}),
	}
	for _, key := range req.Accounts {
		sub.accounts[key] = struct{}{}
	}
	for _, key := range req.Owners {
		sub.owners[key] = struct{}{}
	}
	return sub
}

func (s *subscriber) close(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

func (s *subscriber) wantsAccount(u *AccountUpdate) bool {
	if len(s.accounts) == 0 && len(s.owners) == 0 {
		return s.req.AllAccounts
	}
	if _, ok := s.accounts[u.Pubkey]; ok {
		return true
	}
	_, ok := s.owners[u.Owner]
	return ok
}

func (s *subscriber) wantsTransaction(u *TransactionUpdate) bool {
	return s.req.Transactions && (u.Err == "" || s.req.IncludeFailed)
}

func (s *subscriber) wants(u *Update) bool {
	switch u.Kind {
	case UpdateAccount:
		return s.wantsAccount(u.Account)
	case UpdateTransaction:
		return s.wantsTransaction(u.Transaction)
	case UpdateBlock:
		return s.req.Blocks
	}
	return false
}

// Server publishes committed state to gRPC subscribers. It implements
// bank.Observer.
type Server struct {
	cfg    ServerConfig
	token  string
	logger *zap.Logger
	grpc   *grpc.Server

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

var _ bank.Observer = (*Server)(nil)

// NewServer creates a server. It does not listen until Serve is called.
func NewServer(cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		token:  cfg.ExpandedToken(),
		logger: log.WithPackage(logger),
		subs:   make(map[uint64]*subscriber),
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(binaryCodec{}),
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("geyser server listening", zap.Stringer("addr", lis.Addr()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("geyser listen %s: %w", s.cfg.ListenAddr, err)
	}
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopped:
		}
	}()
	return s.Serve(lis)
}

// Stop disconnects every subscriber and stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.close(ErrServerClosed)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.grpc.GracefulStop()
}

// Subscribers returns the number of connected subscribers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(tokenHeader) {
		if subtle.ConstantTimeCompare([]byte(v), []byte(s.token)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "invalid or missing token")
}

func (s *Server) register(req *SubscribeRequest) (*subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	s.nextID++
	sub := newSubscriber(s.nextID, req, s.cfg.BufferSize)
	s.subs[sub.id] = sub
	return sub, nil
}

func (s *Server) unregister(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
}

func (s *Server) subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if err := s.authorize(ctx); err != nil {
		return err
	}
	sub, err := s.register(req)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.unregister(sub)
	s.logger.Debug("subscriber connected",
		zap.Uint64("id", sub.id),
		zap.Int("accounts", len(req.Accounts)),
		zap.Int("owners", len(req.Owners)),
		zap.Bool("transactions", req.Transactions),
		zap.Bool("blocks", req.Blocks),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("subscriber disconnected", zap.Uint64("id", sub.id))
			return ctx.Err()
		case <-sub.done:
			if errors.Is(sub.reason, ErrSlowSubscriber) {
				return status.Error(codes.ResourceExhausted, sub.reason.Error())
			}
			return status.Error(codes.Unavailable, sub.reason.Error())
		case u := <-sub.updates:
			if err := stream.SendMsg(u); err != nil {
				return err
			}
		}
	}
}

// publish queues u for every interested subscriber. A subscriber whose
// buffer is full is disconnected.
func (s *Server) publish(u *Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if !sub.wants(u) {
			continue
		}
		select {
		case sub.updates <- u:
		default:
			s.logger.Warn("dropping slow subscriber", zap.Uint64("id", id), zap.Int("buffer", cap(sub.updates)))
			sub.close(ErrSlowSubscriber)
			delete(s.subs, id)
		}
	}
}

// TransactionCommitted publishes the written accounts, then the transaction.
func (s *Server) TransactionCommitted(result *bank.TransactionResult) {
	tx := &TransactionUpdate{
		Slot:          result.Slot,
		Signature:     result.Signature,
		Fee:           result.Fee,
		ExecutedUnits: result.ExecutedUnits,
		LogMessages:   result.LogMessages,
		Accounts:      make([]types.Pubkey, 0, len(result.Accounts)),
	}
	if result.Status != nil {
		tx.Err = result.Status.Error()
	}
	for _, committed := range result.Accounts {
		acct := committed.Account
		tx.Accounts = append(tx.Accounts, committed.Pubkey)
		s.publish(&Update{Kind: UpdateAccount, Account: &AccountUpdate{
			Slot:        result.Slot,
			Pubkey:      committed.Pubkey,
			Lamports:    acct.Lamports(),
			Owner:       acct.Owner(),
			Executable:  acct.Executable(),
			RentEpoch:   acct.RentEpoch(),
			Data:        append([]byte(nil), acct.Data()...),
			TxSignature: result.Signature,
		}})
	}
	s.publish(&Update{Kind: UpdateTransaction, Transaction: tx})
}

// BlockFinalized publishes the block header.
func (s *Server) BlockFinalized(header blockstore.Header) {
	s.publish(&Update{Kind: UpdateBlock, Block: &BlockUpdate{
		Number:            header.Number,
		Hash:              header.Hash,
		ParentHash:        header.ParentHash,
		Timestamp:         header.Timestamp,
		AccountsDeltaHash: header.AccountsDeltaHash,
		SignatureCount:    header.SignatureCount,
	}})
}
