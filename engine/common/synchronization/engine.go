// Package synchronization hosts the event-loop engine that connects the
// chain sync core to the network layer and the import queue. Inbound
// messages are buffered in bounded queues and handled by worker routines;
// the actions the core emits in response are executed against the conduit,
// the reputation reporter, and the import queue.
package synchronization

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/karstlabs/karst/engine"
	modelsync "github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
	"github.com/karstlabs/karst/module/chainsync"
	"github.com/karstlabs/karst/module/metrics"
	"github.com/karstlabs/karst/network"
)

// defaultBlockResponseQueueCapacity maximum capacity of block responses queue
const defaultBlockResponseQueueCapacity = 500

// defaultAnnounceQueueCapacity maximum capacity of block announces queue
const defaultAnnounceQueueCapacity = 500

// defaultWarpProofQueueCapacity maximum capacity of warp proof responses queue
const defaultWarpProofQueueCapacity = 64

// pendingRequest correlates an outbound block request with its peer so the
// response can be validated against it.
type pendingRequest struct {
	peer    karst.PeerID
	request modelsync.BlockRequest
}

// Engine is the synchronization engine, responsible for bringing the local
// chain in sync with the rest of the network.
type Engine struct {
	unit    *engine.Unit
	log     zerolog.Logger
	metrics module.EngineMetrics
	core    *chainsync.ChainSync

	con         network.Conduit
	reporter    network.ReputationReporter
	validator   module.BlockAnnounceValidator
	importQueue module.ImportQueue

	pollInterval       time.Duration
	scanInterval       time.Duration
	onWarpSyncFinished func(chainsync.WarpSyncResult)

	pendingBlockResponses  engine.MessageStore
	pendingAnnounces       engine.MessageStore
	pendingWarpProofs      engine.MessageStore
	responseMessageHandler *engine.MessageHandler

	mu              sync.Mutex
	pendingRequests map[uint64]pendingRequest
}

var _ module.ReadyDoneAware = (*Engine)(nil)

// New creates the synchronization engine around an initialized sync core.
func New(
	log zerolog.Logger,
	engineMetrics module.EngineMetrics,
	con network.Conduit,
	reporter network.ReputationReporter,
	validator module.BlockAnnounceValidator,
	importQueue module.ImportQueue,
	core *chainsync.ChainSync,
	opts ...OptionFunc,
) (*Engine, error) {

	cfg := DefaultConfig()

	e := &Engine{
		unit:            engine.NewUnit(),
		log:             log.With().Str("engine", "synchronization").Logger(),
		metrics:         engineMetrics,
		core:            core,
		con:             con,
		reporter:        reporter,
		validator:       validator,
		importQueue:     importQueue,
		pollInterval:    cfg.PollInterval,
		scanInterval:    cfg.ScanInterval,
		pendingRequests: make(map[uint64]pendingRequest),
	}

	for _, opt := range opts {
		opt(e)
	}

	err := e.setupResponseMessageHandler()
	if err != nil {
		return nil, fmt.Errorf("could not set up message handler: %w", err)
	}

	return e, nil
}

// setupResponseMessageHandler initializes the inbound queues and the
// MessageHandler for UNTRUSTED network messages.
func (e *Engine) setupResponseMessageHandler() error {

	var err error
	e.pendingBlockResponses, err = engine.NewFifoMessageStore(defaultBlockResponseQueueCapacity)
	if err != nil {
		return fmt.Errorf("could not create block response queue: %w", err)
	}
	e.pendingAnnounces, err = engine.NewFifoMessageStore(defaultAnnounceQueueCapacity)
	if err != nil {
		return fmt.Errorf("could not create announce queue: %w", err)
	}
	e.pendingWarpProofs, err = engine.NewFifoMessageStore(defaultWarpProofQueueCapacity)
	if err != nil {
		return fmt.Errorf("could not create warp proof queue: %w", err)
	}

	e.responseMessageHandler = engine.NewMessageHandler(
		e.log,
		engine.NewNotifier(),
		engine.Pattern{
			Match: func(msg *engine.Message) bool {
				_, ok := msg.Payload.(*modelsync.BlockResponse)
				if ok {
					e.metrics.MessageReceived(metrics.EngineSynchronization, metrics.MessageBlockResponse)
				}
				return ok
			},
			Store: e.pendingBlockResponses,
		},
		engine.Pattern{
			Match: func(msg *engine.Message) bool {
				_, ok := msg.Payload.(*modelsync.BlockAnnounce)
				if ok {
					e.metrics.MessageReceived(metrics.EngineSynchronization, metrics.MessageBlockAnnounce)
				}
				return ok
			},
			Store: e.pendingAnnounces,
		},
		engine.Pattern{
			Match: func(msg *engine.Message) bool {
				_, ok := msg.Payload.(*modelsync.WarpProofResponse)
				if ok {
					e.metrics.MessageReceived(metrics.EngineSynchronization, metrics.MessageWarpProofResponse)
				}
				return ok
			},
			Store: e.pendingWarpProofs,
		},
	)

	return nil
}

// Ready returns a channel that closes once the engine has fully started.
func (e *Engine) Ready() <-chan struct{} {
	e.unit.Launch(e.checkLoop)
	e.unit.Launch(e.responseProcessingLoop)
	return e.unit.Ready()
}

// Done returns a channel that closes once the engine has fully stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.unit.Done()
}

// Process processes a message arriving from the network in a non-blocking
// manner: it is queued for a worker routine.
func (e *Engine) Process(originID karst.PeerID, event interface{}) error {
	switch event.(type) {
	case *modelsync.BlockResponse, *modelsync.BlockAnnounce, *modelsync.WarpProofResponse:
		return e.responseMessageHandler.Process(originID, event)
	default:
		return fmt.Errorf("received input with type %T from %s: %w", event, originID, engine.IncompatibleInputTypeError)
	}
}

// PeerUp registers a newly connected peer with the sync core.
func (e *Engine) PeerUp(peer karst.PeerID, bestHash karst.Hash, bestNumber uint64) {
	err := e.core.RegisterPeer(peer, bestHash, bestNumber)
	if err != nil {
		e.handleBadPeer(err)
	}
	e.executeActions()
}

// PeerDown removes a disconnected peer from the sync core and forgets its
// outstanding requests.
func (e *Engine) PeerDown(peer karst.PeerID) {
	e.core.PeerDisconnected(peer)

	e.mu.Lock()
	e.forgetRequestsLocked(peer)
	e.mu.Unlock()

	e.executeActions()
}

// forgetRequestsLocked drops the correlation entries of a peer. The caller
// must hold the mutex.
func (e *Engine) forgetRequestsLocked(peer karst.PeerID) {
	for id, pending := range e.pendingRequests {
		if pending.peer == peer {
			delete(e.pendingRequests, id)
		}
	}
}

// OnBlocksProcessed forwards import queue results to the sync core.
func (e *Engine) OnBlocksProcessed(imported int, count int, results []modelsync.ImportResult) {
	e.core.OnBlocksProcessed(imported, count, results)
	e.executeActions()
}

// OnJustificationImport forwards a justification import outcome.
func (e *Engine) OnJustificationImport(hash karst.Hash, number uint64, success bool) {
	e.core.OnJustificationImport(hash, number, success)
	e.executeActions()
}

// OnBlockFinalized informs the core about a newly finalized block.
func (e *Engine) OnBlockFinalized(hash karst.Hash, number uint64) {
	e.core.OnBlockFinalized(hash, number)
	e.executeActions()
}

// RequestJustification asks the network for a finality proof.
func (e *Engine) RequestJustification(hash karst.Hash, number uint64) {
	e.core.RequestJustification(hash, number)
	e.executeActions()
}

// SetForkSyncRequest explicitly requests download of a fork head.
func (e *Engine) SetForkSyncRequest(hash karst.Hash, number uint64, peers ...karst.PeerID) {
	e.core.SetForkSyncRequest(hash, number, peers...)
	e.executeActions()
}

// Status reports the core's view of sync progress.
func (e *Engine) Status() chainsync.SyncStatus {
	return e.core.Status()
}

// responseProcessingLoop is a worker routine processing queued messages.
func (e *Engine) responseProcessingLoop() {
	notifier := e.responseMessageHandler.GetNotifier()
	for {
		select {
		case <-e.unit.Quit():
			return
		case <-notifier:
			e.processAvailableMessages()
		}
	}
}

// processAvailableMessages drains all inbound queues.
func (e *Engine) processAvailableMessages() {
	for {
		select {
		case <-e.unit.Quit():
			return
		default:
		}

		msg, ok := e.pendingBlockResponses.Get()
		if ok {
			e.onBlockResponse(msg.OriginID, msg.Payload.(*modelsync.BlockResponse))
			e.metrics.MessageHandled(metrics.EngineSynchronization, metrics.MessageBlockResponse)
			continue
		}

		msg, ok = e.pendingAnnounces.Get()
		if ok {
			e.onBlockAnnounce(msg.OriginID, msg.Payload.(*modelsync.BlockAnnounce))
			e.metrics.MessageHandled(metrics.EngineSynchronization, metrics.MessageBlockAnnounce)
			continue
		}

		msg, ok = e.pendingWarpProofs.Get()
		if ok {
			e.onWarpProofResponse(msg.OriginID, msg.Payload.(*modelsync.WarpProofResponse))
			e.metrics.MessageHandled(metrics.EngineSynchronization, metrics.MessageWarpProofResponse)
			continue
		}

		// all queues are empty, wait for the next notification
		return
	}
}

// onBlockResponse pairs the response with its request and hands it to the
// core.
func (e *Engine) onBlockResponse(originID karst.PeerID, response *modelsync.BlockResponse) {

	e.mu.Lock()
	pending, ok := e.pendingRequests[response.ID]
	if ok {
		delete(e.pendingRequests, response.ID)
	}
	e.mu.Unlock()

	if !ok || pending.peer != originID {
		e.log.Debug().
			Str("origin", originID.String()).
			Uint64("request_id", response.ID).
			Msg("unsolicited block response")
		e.reporter.ReportPeer(originID, modelsync.ReputationNotRequested, "unsolicited block response")
		return
	}

	var err error
	if pending.request.Fields == modelsync.AttributeJustification {
		err = e.core.OnBlockJustification(originID, response.Blocks)
	} else {
		request := pending.request
		err = e.core.OnBlockData(originID, &request, response.Blocks)
	}
	if err != nil {
		e.handleBadPeer(err)
	}
	e.executeActions()
}

// onBlockAnnounce validates the announcement and hands it to the core.
func (e *Engine) onBlockAnnounce(originID karst.PeerID, announce *modelsync.BlockAnnounce) {

	validation, err := e.validator.Validate(announce)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not validate block announce")
		return
	}
	if validation == module.AnnounceFailure {
		e.log.Debug().
			Str("origin", originID.String()).
			Msg("invalid block announce")
		e.reporter.ReportPeer(originID, modelsync.ReputationBadResponse, "invalid block announce")
		return
	}

	isBest := announce.IsBest || validation == module.AnnounceBest
	e.core.OnValidatedBlockAnnounce(originID, announce, isBest)
	e.executeActions()
}

// onWarpProofResponse hands a warp proof fragment to the core.
func (e *Engine) onWarpProofResponse(originID karst.PeerID, response *modelsync.WarpProofResponse) {
	err := e.core.OnWarpProofResponse(originID, response.Proof)
	if err != nil {
		e.handleBadPeer(err)
	}
	e.executeActions()
}

// handleBadPeer applies the penalty decided by the core.
func (e *Engine) handleBadPeer(err error) {
	var bad *modelsync.BadPeer
	if errors.As(err, &bad) {
		e.log.Debug().
			Str("peer", bad.Peer.String()).
			Int32("reputation", bad.Reputation).
			Str("reason", bad.Reason).
			Msg("dropping bad peer")
		e.reporter.ReportPeer(bad.Peer, bad.Reputation, bad.Reason)
		e.reporter.DisconnectPeer(bad.Peer)
		return
	}
	e.log.Warn().Err(err).Msg("sync core error")
}

// executeActions drains and executes all actions pending in the core.
func (e *Engine) executeActions() {

	var errs *multierror.Error

	for _, action := range e.core.Actions() {
		switch a := action.(type) {

		case chainsync.SendBlockRequest:
			// One outstanding block request per peer; a new one supersedes
			// whatever we were still waiting for.
			e.mu.Lock()
			e.forgetRequestsLocked(a.Peer)
			e.pendingRequests[a.Request.ID] = pendingRequest{peer: a.Peer, request: a.Request}
			e.mu.Unlock()
			request := a.Request
			err := e.con.Unicast(&request, a.Peer)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("could not send block request to %s: %w", a.Peer, err))
				continue
			}
			e.metrics.MessageSent(metrics.EngineSynchronization, metrics.MessageBlockRequest)

		case chainsync.CancelBlockRequest:
			e.mu.Lock()
			e.forgetRequestsLocked(a.Peer)
			e.mu.Unlock()

		case chainsync.SendWarpProofRequest:
			request := a.Request
			err := e.con.Unicast(&request, a.Peer)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("could not send warp proof request to %s: %w", a.Peer, err))
				continue
			}
			e.metrics.MessageSent(metrics.EngineSynchronization, metrics.MessageWarpProofRequest)

		case chainsync.DropPeer:
			e.reporter.ReportPeer(a.Peer.Peer, a.Peer.Reputation, a.Peer.Reason)
			e.reporter.DisconnectPeer(a.Peer.Peer)

		case chainsync.ImportBlocks:
			e.importQueue.ImportBlocks(a.Origin, a.Blocks)

		case chainsync.ImportJustifications:
			e.importQueue.ImportJustifications(a.Peer, a.Hash, a.Number, a.Justifications)

		case chainsync.WarpSyncFinished:
			if e.onWarpSyncFinished != nil {
				e.onWarpSyncFinished(a.Result)
			}
		}
	}

	err := errs.ErrorOrNil()
	if err != nil {
		e.log.Warn().Err(err).Msg("could not execute all sync actions")
	}
}

// checkLoop periodically drains pending actions and reports progress.
func (e *Engine) checkLoop() {
	poll := time.NewTicker(e.pollInterval)
	scan := time.NewTicker(e.scanInterval)

	defer poll.Stop()
	defer scan.Stop()

	for {
		select {
		case <-e.unit.Quit():
			return
		case <-poll.C:
			e.pollStatus()
		case <-scan.C:
			e.executeActions()
		}
	}
}

// pollStatus logs overall sync progress.
func (e *Engine) pollStatus() {
	status := e.core.Status()
	event := e.log.Info().
		Int("peers", status.NumPeers).
		Int("queued_blocks", status.QueuedBlocks)
	if status.BestSeenBlock != nil {
		event = event.Uint64("best_seen", *status.BestSeenBlock)
	}
	if status.WarpPhase != "" {
		event = event.Str("warp_phase", status.WarpPhase)
	}
	switch status.State {
	case chainsync.SyncDownloading:
		event.Uint64("target", status.Target).Msg("sync downloading")
	case chainsync.SyncImporting:
		event.Uint64("target", status.Target).Msg("sync importing")
	default:
		event.Msg("sync idle")
	}
}
