package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"

	"dvp/apps/dvp/internal/chain"
	"dvp/apps/dvp/internal/model"
	"dvp/apps/dvp/internal/payload"
)

const (
	issuerAddr   = "0x1111111111111111111111111111111111111111"
	sellerAddr   = "0x2222222222222222222222222222222222222222"
	agentAddr    = "0x3333333333333333333333333333333333333333"
	tokenAddr    = "0x4444444444444444444444444444444444444444"
	exchangeAddr = "0x5555555555555555555555555555555555555555"
	outsiderAddr = "0x9999999999999999999999999999999999999999"
)

type deliveryKey struct {
	exchange   string
	deliveryID uint64
}

// fakeSource serves canned events filtered by block range, the way FilterLogs
// window queries behave against a node.
type fakeSource struct {
	latest    uint64
	exchanges map[string]string
	created   map[string][]chain.CreatedEvent
	canceled  map[string][]chain.CanceledEvent
	confirmed map[string][]chain.ConfirmedEvent
	finished  map[string][]chain.FinishedEvent
	aborted   map[string][]chain.AbortedEvent

	tradableCalls int
	windows       []window
}

// window is one recorded event-log query range.
type window struct {
	exchange string
	from, to uint64
}

func newFakeSource(latest uint64) *fakeSource {
	return &fakeSource{
		latest:    latest,
		exchanges: map[string]string{tokenAddr: exchangeAddr},
		created:   map[string][]chain.CreatedEvent{},
		canceled:  map[string][]chain.CanceledEvent{},
		confirmed: map[string][]chain.ConfirmedEvent{},
		finished:  map[string][]chain.FinishedEvent{},
		aborted:   map[string][]chain.AbortedEvent{},
	}
}

func (s *fakeSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return s.latest, nil
}

func (s *fakeSource) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	return time.Unix(int64(blockNumber)*1000, 0).UTC(), nil
}

func (s *fakeSource) TradableExchangeAddress(ctx context.Context, tokenAddress string) (string, error) {
	s.tradableCalls++
	exchange, ok := s.exchanges[tokenAddress]
	if !ok {
		return "", fmt.Errorf("unknown token %s", tokenAddress)
	}
	return exchange, nil
}

func (s *fakeSource) DeliveryCreatedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.CreatedEvent, error) {
	s.windows = append(s.windows, window{exchange, fromBlock, toBlock})
	var events []chain.CreatedEvent
	for _, e := range s.created[exchange] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *fakeSource) DeliveryCanceledEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.CanceledEvent, error) {
	var events []chain.CanceledEvent
	for _, e := range s.canceled[exchange] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *fakeSource) DeliveryConfirmedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.ConfirmedEvent, error) {
	var events []chain.ConfirmedEvent
	for _, e := range s.confirmed[exchange] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *fakeSource) DeliveryFinishedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.FinishedEvent, error) {
	var events []chain.FinishedEvent
	for _, e := range s.finished[exchange] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *fakeSource) DeliveryAbortedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.AbortedEvent, error) {
	var events []chain.AbortedEvent
	for _, e := range s.aborted[exchange] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			events = append(events, e)
		}
	}
	return events, nil
}

// fakeStore holds committed state. fakeTx stages writes and applies them to the
// store only on Commit, so a failed pass leaves the store untouched.
type fakeStore struct {
	cursors       map[string]uint64
	deliveries    map[deliveryKey]model.Delivery
	processes     []model.AsyncProcess
	notifications []model.Notification
	issuers       map[string]bool
	agents        map[string]bool
	tokens        map[string]model.Token
	issued        []model.Token

	failCommit bool
}

func newFakeStore() *fakeStore {
	registryToken := model.Token{
		TokenAddress:  tokenAddr,
		IssuerAddress: issuerAddr,
		Type:          model.TokenTypeStraightBond,
		TokenStatus:   model.TokenStatusSucceeded,
	}
	return &fakeStore{
		cursors:    map[string]uint64{},
		deliveries: map[deliveryKey]model.Delivery{},
		issuers:    map[string]bool{issuerAddr: true},
		agents:     map[string]bool{agentAddr: true},
		tokens:     map[string]model.Token{tokenAddr: registryToken},
		issued:     []model.Token{registryToken},
	}
}

func (s *fakeStore) Begin(ctx context.Context) (StoreTx, error) {
	return &fakeTx{
		store:            s,
		stagedCursors:    map[string]uint64{},
		stagedDeliveries: map[deliveryKey]model.Delivery{},
	}, nil
}

func (s *fakeStore) ListIssuedTokens(ctx context.Context) ([]model.Token, error) {
	return s.issued, nil
}

func (s *fakeStore) delivery(t *testing.T, deliveryID uint64) model.Delivery {
	t.Helper()
	d, ok := s.deliveries[deliveryKey{exchangeAddr, deliveryID}]
	if !ok {
		t.Fatalf("Expected delivery %d on exchange %s", deliveryID, exchangeAddr)
	}
	return d
}

type fakeTx struct {
	store            *fakeStore
	stagedCursors    map[string]uint64
	stagedDeliveries map[deliveryKey]model.Delivery
	stagedProcesses  []model.AsyncProcess
	stagedNotifs     []model.Notification
}

func (tx *fakeTx) GetCursor(exchangeAddress string) (uint64, error) {
	if cursor, ok := tx.stagedCursors[exchangeAddress]; ok {
		return cursor, nil
	}
	return tx.store.cursors[exchangeAddress], nil
}

func (tx *fakeTx) SetCursor(exchangeAddress string, blockNumber uint64) error {
	tx.stagedCursors[exchangeAddress] = blockNumber
	return nil
}

func (tx *fakeTx) GetDelivery(exchangeAddress string, deliveryID uint64) (*model.Delivery, error) {
	key := deliveryKey{exchangeAddress, deliveryID}
	if d, ok := tx.stagedDeliveries[key]; ok {
		copied := d
		return &copied, nil
	}
	if d, ok := tx.store.deliveries[key]; ok {
		copied := d
		return &copied, nil
	}
	return nil, nil
}

func (tx *fakeTx) InsertDelivery(delivery *model.Delivery) error {
	tx.stagedDeliveries[deliveryKey{delivery.ExchangeAddress, delivery.DeliveryID}] = *delivery
	return nil
}

func (tx *fakeTx) UpdateDelivery(delivery *model.Delivery) error {
	tx.stagedDeliveries[deliveryKey{delivery.ExchangeAddress, delivery.DeliveryID}] = *delivery
	return nil
}

func (tx *fakeTx) InsertAsyncProcess(process *model.AsyncProcess) error {
	tx.stagedProcesses = append(tx.stagedProcesses, *process)
	return nil
}

func (tx *fakeTx) InsertNotification(notification *model.Notification) error {
	tx.stagedNotifs = append(tx.stagedNotifs, *notification)
	return nil
}

func (tx *fakeTx) IsActiveIssuer(address string) (bool, error) {
	return tx.store.issuers[address], nil
}

func (tx *fakeTx) IsActiveAgent(address string) (bool, error) {
	return tx.store.agents[address], nil
}

func (tx *fakeTx) GetToken(tokenAddress string) (*model.Token, error) {
	if token, ok := tx.store.tokens[tokenAddress]; ok {
		copied := token
		return &copied, nil
	}
	return nil, nil
}

func (tx *fakeTx) Commit() error {
	if tx.store.failCommit {
		return errors.New("commit failed")
	}
	for exchange, cursor := range tx.stagedCursors {
		tx.store.cursors[exchange] = cursor
	}
	for key, delivery := range tx.stagedDeliveries {
		tx.store.deliveries[key] = delivery
	}
	tx.store.processes = append(tx.store.processes, tx.stagedProcesses...)
	tx.store.notifications = append(tx.store.notifications, tx.stagedNotifs...)
	return nil
}

func (tx *fakeTx) Rollback() error {
	return nil
}

func testIndexer(source *fakeSource, store *fakeStore, blockLot uint64) *Indexer {
	return New(source, store, payload.NewDecryptor("", ""), blockLot, zap.NewNop())
}

func createdEvent(deliveryID, blockNumber uint64, amount *big.Int, buyer, seller string, data string) chain.CreatedEvent {
	return chain.CreatedEvent{
		Raw: chain.Raw{
			BlockNumber: blockNumber,
			TxHash:      fmt.Sprintf("0xcreate%d", deliveryID),
			LogIndex:    0,
		},
		DeliveryID: deliveryID,
		Token:      tokenAddr,
		Seller:     seller,
		Buyer:      buyer,
		Agent:      agentAddr,
		Amount:     amount,
		Data:       data,
	}
}

func transitionEvent(deliveryID, blockNumber uint64, txHash string, buyer, seller string) chain.TransitionEvent {
	return chain.TransitionEvent{
		Raw: chain.Raw{
			BlockNumber: blockNumber,
			TxHash:      txHash,
			LogIndex:    0,
		},
		DeliveryID: deliveryID,
		Token:      tokenAddr,
		Seller:     seller,
		Buyer:      buyer,
		Agent:      agentAddr,
		Amount:     big.NewInt(30),
	}
}

func TestSyncCreatedInsertsDelivery(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "settlement memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryCreated {
		t.Errorf("Expected status Created, got %d", d.Status)
	}
	if !d.Valid || d.Confirmed {
		t.Errorf("Expected valid unconfirmed delivery, got valid=%v confirmed=%v", d.Valid, d.Confirmed)
	}
	if d.Amount != 30 {
		t.Errorf("Expected amount 30, got %d", d.Amount)
	}
	if d.Data != "settlement memo" {
		t.Errorf("Expected raw data passthrough, got %q", d.Data)
	}
	if d.CreateBlockTimestamp == nil || d.CreateBlockTimestamp.Unix() != 5000 {
		t.Errorf("Expected create timestamp from block 5, got %v", d.CreateBlockTimestamp)
	}
	if d.CreateTransactionHash == nil || *d.CreateTransactionHash != "0xcreate1" {
		t.Errorf("Expected create tx hash, got %v", d.CreateTransactionHash)
	}
	if store.cursors[exchangeAddr] != 10 {
		t.Errorf("Expected cursor at latest block 10, got %d", store.cursors[exchangeAddr])
	}
	if len(store.notifications) != 0 {
		t.Errorf("Expected no notifications for a created delivery, got %d", len(store.notifications))
	}
}

func TestSyncCreatedExtractsServiceType(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	envelope := `{"encryption_algorithm": "", "settlement_service_type": "dvp_ps", "data": "memo"}`
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, envelope),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.SettlementServiceType == nil || *d.SettlementServiceType != "dvp_ps" {
		t.Errorf("Expected settlement service type dvp_ps, got %v", d.SettlementServiceType)
	}
}

func TestSyncConfirmedThenFinished(t *testing.T) {
	source := newFakeSource(20)
	store := newFakeStore()
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}
	source.confirmed[exchangeAddr] = []chain.ConfirmedEvent{
		{TransitionEvent: transitionEvent(1, 6, "0xconfirm1", issuerAddr, sellerAddr)},
	}
	source.finished[exchangeAddr] = []chain.FinishedEvent{
		{TransitionEvent: transitionEvent(1, 7, "0xfinish1", issuerAddr, sellerAddr)},
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryFinished {
		t.Errorf("Expected status Finished, got %d", d.Status)
	}
	if d.Valid {
		t.Error("Expected finished delivery to be invalid")
	}
	if !d.Confirmed {
		t.Error("Expected confirmed flag to survive the finish transition")
	}
	if d.ConfirmTransactionHash == nil || *d.ConfirmTransactionHash != "0xconfirm1" {
		t.Errorf("Expected confirm tx hash, got %v", d.ConfirmTransactionHash)
	}
	if d.FinishTransactionHash == nil || *d.FinishTransactionHash != "0xfinish1" {
		t.Errorf("Expected finish tx hash, got %v", d.FinishTransactionHash)
	}

	if len(store.notifications) != 2 {
		t.Fatalf("Expected confirm and finish notifications, got %d", len(store.notifications))
	}
	if store.notifications[0].Code != model.NotificationCodeDeliveryConfirmed {
		t.Errorf("Expected first notification code %d, got %d", model.NotificationCodeDeliveryConfirmed, store.notifications[0].Code)
	}
	if store.notifications[1].Code != model.NotificationCodeDeliveryFinished {
		t.Errorf("Expected second notification code %d, got %d", model.NotificationCodeDeliveryFinished, store.notifications[1].Code)
	}

	if len(store.processes) != 1 {
		t.Fatalf("Expected one async process for the local buyer, got %d", len(store.processes))
	}
	proc := store.processes[0]
	if proc.ProcessType != model.AsyncProcessFinishDelivery {
		t.Errorf("Expected FinishDelivery process, got %s", proc.ProcessType)
	}
	if proc.IssuerAddress != issuerAddr {
		t.Errorf("Expected process owned by buyer issuer, got %s", proc.IssuerAddress)
	}
	if proc.Step != 0 || proc.StepTxStatus != model.StepTxStatusDone {
		t.Errorf("Expected step 0 done, got step=%d status=%s", proc.Step, proc.StepTxStatus)
	}
	if proc.ProcessStatus != model.AsyncProcessProcessing {
		t.Errorf("Expected processing status, got %d", proc.ProcessStatus)
	}
}

func TestSyncCanceledQueuesSellerProcess(t *testing.T) {
	source := newFakeSource(20)
	store := newFakeStore()
	store.issuers[sellerAddr] = true
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), outsiderAddr, sellerAddr, "memo"),
	}
	source.canceled[exchangeAddr] = []chain.CanceledEvent{
		{TransitionEvent: transitionEvent(1, 6, "0xcancel1", outsiderAddr, sellerAddr)},
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryCanceled || d.Valid {
		t.Errorf("Expected invalid canceled delivery, got status=%d valid=%v", d.Status, d.Valid)
	}
	if len(store.processes) != 1 || store.processes[0].ProcessType != model.AsyncProcessCancelDelivery {
		t.Fatalf("Expected one CancelDelivery process, got %+v", store.processes)
	}
	if store.processes[0].IssuerAddress != sellerAddr {
		t.Errorf("Expected process owned by seller, got %s", store.processes[0].IssuerAddress)
	}
	if len(store.notifications) != 0 {
		t.Errorf("Expected no notifications for a cancel, got %d", len(store.notifications))
	}
}

func TestSyncAbortedQueuesSellerProcess(t *testing.T) {
	source := newFakeSource(20)
	store := newFakeStore()
	store.issuers[sellerAddr] = true
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), outsiderAddr, sellerAddr, "memo"),
	}
	source.aborted[exchangeAddr] = []chain.AbortedEvent{
		{TransitionEvent: transitionEvent(1, 6, "0xabort1", outsiderAddr, sellerAddr)},
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryAborted || d.Valid {
		t.Errorf("Expected invalid aborted delivery, got status=%d valid=%v", d.Status, d.Valid)
	}
	if len(store.processes) != 1 || store.processes[0].ProcessType != model.AsyncProcessAbortDelivery {
		t.Fatalf("Expected one AbortDelivery process, got %+v", store.processes)
	}
}

func TestSyncIgnoresForeignParties(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	store.agents = map[string]bool{}
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), outsiderAddr, outsiderAddr, "memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(store.deliveries) != 0 {
		t.Errorf("Expected no delivery for foreign parties, got %d", len(store.deliveries))
	}
	if store.cursors[exchangeAddr] != 10 {
		t.Errorf("Expected cursor to advance regardless, got %d", store.cursors[exchangeAddr])
	}
}

func TestSyncAgentOnlyInterestStillIndexes(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), outsiderAddr, outsiderAddr, "memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(store.deliveries) != 1 {
		t.Fatalf("Expected delivery indexed for local agent, got %d", len(store.deliveries))
	}
}

func TestSyncSkipsOverflowingAmount(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, huge, issuerAddr, sellerAddr, "memo"),
		createdEvent(2, 6, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if _, ok := store.deliveries[deliveryKey{exchangeAddr, 1}]; ok {
		t.Error("Expected overflowing delivery to be skipped")
	}
	if _, ok := store.deliveries[deliveryKey{exchangeAddr, 2}]; !ok {
		t.Error("Expected in-range delivery to be indexed")
	}
}

func TestSyncIgnoresOrphanTransition(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	source.confirmed[exchangeAddr] = []chain.ConfirmedEvent{
		{TransitionEvent: transitionEvent(9, 5, "0xconfirm9", issuerAddr, sellerAddr)},
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(store.deliveries) != 0 {
		t.Errorf("Expected no rows from an orphan transition, got %d", len(store.deliveries))
	}
	if len(store.notifications) != 0 {
		t.Errorf("Expected no notifications from an orphan transition, got %d", len(store.notifications))
	}
}

func TestSyncCreatedNeverReapplies(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	canceledAt := time.Unix(1000, 0).UTC()
	store.deliveries[deliveryKey{exchangeAddr, 1}] = model.Delivery{
		ExchangeAddress:      exchangeAddr,
		DeliveryID:           1,
		TokenAddress:         tokenAddr,
		BuyerAddress:         issuerAddr,
		SellerAddress:        sellerAddr,
		Amount:               30,
		AgentAddress:         agentAddr,
		CancelBlockTimestamp: &canceledAt,
		Valid:                false,
		Status:               model.DeliveryCanceled,
	}
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryCanceled || d.Valid {
		t.Errorf("Expected re-observed creation to leave the row untouched, got status=%d valid=%v", d.Status, d.Valid)
	}
}

func TestSyncWindowsCoverRange(t *testing.T) {
	source := newFakeSource(12)
	store := newFakeStore()

	if err := testIndexer(source, store, 5).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	expected := []window{{exchangeAddr, 1, 5}, {exchangeAddr, 6, 10}, {exchangeAddr, 11, 12}}
	if len(source.windows) != len(expected) {
		t.Fatalf("Expected %d windows, got %v", len(expected), source.windows)
	}
	for i, w := range expected {
		if source.windows[i] != w {
			t.Errorf("Expected window %d to be %v, got %v", i, w, source.windows[i])
		}
	}
	if store.cursors[exchangeAddr] != 12 {
		t.Errorf("Expected cursor at latest block 12, got %d", store.cursors[exchangeAddr])
	}
}

func TestSyncSkipsExchangeAtCursor(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	store.cursors[exchangeAddr] = 10

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(source.windows) != 0 {
		t.Errorf("Expected no event queries when cursor is current, got %v", source.windows)
	}
	if store.cursors[exchangeAddr] != 10 {
		t.Errorf("Expected cursor unchanged, got %d", store.cursors[exchangeAddr])
	}
}

func TestSyncContinuesPastCurrentExchange(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()

	// Two tracked exchanges: the first is already at the chain head, the
	// second lags behind with an unprocessed delivery.
	secondToken := "0x6666666666666666666666666666666666666666"
	secondExchange := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	store.issued = append(store.issued,
		model.Token{TokenAddress: secondToken, IssuerAddress: issuerAddr, Type: model.TokenTypeShare, TokenStatus: model.TokenStatusSucceeded},
	)
	source.exchanges[secondToken] = secondExchange
	store.cursors[exchangeAddr] = 10
	source.created[secondExchange] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	for _, w := range source.windows {
		if w.exchange == exchangeAddr {
			t.Errorf("Expected no event queries for the up-to-date exchange, got %v", w)
		}
	}
	if len(source.windows) != 1 || source.windows[0] != (window{secondExchange, 1, 10}) {
		t.Fatalf("Expected one window for the lagging exchange, got %v", source.windows)
	}

	if _, ok := store.deliveries[deliveryKey{secondExchange, 1}]; !ok {
		t.Error("Expected lagging exchange's delivery to be indexed in the same pass")
	}
	if store.cursors[exchangeAddr] != 10 {
		t.Errorf("Expected up-to-date cursor unchanged, got %d", store.cursors[exchangeAddr])
	}
	if store.cursors[secondExchange] != 10 {
		t.Errorf("Expected lagging cursor advanced to 10, got %d", store.cursors[secondExchange])
	}
}

func TestSyncZeroBlockLotStillAdvances(t *testing.T) {
	source := newFakeSource(3)
	store := newFakeStore()
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 2, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}

	if err := testIndexer(source, store, 0).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	expected := []window{{exchangeAddr, 1, 1}, {exchangeAddr, 2, 2}, {exchangeAddr, 3, 3}}
	if len(source.windows) != len(expected) {
		t.Fatalf("Expected single-block windows, got %v", source.windows)
	}
	for i, w := range expected {
		if source.windows[i] != w {
			t.Errorf("Expected window %d to be %v, got %v", i, w, source.windows[i])
		}
	}
	if store.cursors[exchangeAddr] != 3 {
		t.Errorf("Expected cursor at latest block 3, got %d", store.cursors[exchangeAddr])
	}
	if _, ok := store.deliveries[deliveryKey{exchangeAddr, 1}]; !ok {
		t.Error("Expected delivery to be indexed")
	}
}

func TestSyncFailedCommitIsReplayable(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	store.failCommit = true
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}
	source.confirmed[exchangeAddr] = []chain.ConfirmedEvent{
		{TransitionEvent: transitionEvent(1, 6, "0xconfirm1", issuerAddr, sellerAddr)},
	}

	idx := testIndexer(source, store, 1000)
	if err := idx.SyncNewLogs(context.Background()); err == nil {
		t.Fatal("Expected sync to fail on commit")
	}
	if len(store.deliveries) != 0 || len(store.notifications) != 0 || store.cursors[exchangeAddr] != 0 {
		t.Fatal("Expected failed pass to leave no committed state")
	}

	store.failCommit = false
	if err := idx.SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryConfirmed || !d.Confirmed {
		t.Errorf("Expected confirmed delivery after replay, got status=%d confirmed=%v", d.Status, d.Confirmed)
	}
	if len(store.notifications) != 1 {
		t.Errorf("Expected exactly one notification after replay, got %d", len(store.notifications))
	}
	if store.cursors[exchangeAddr] != 10 {
		t.Errorf("Expected cursor at 10 after replay, got %d", store.cursors[exchangeAddr])
	}
}

func TestExchangeDiscovery(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()

	secondToken := "0x6666666666666666666666666666666666666666"
	couponToken := "0x7777777777777777777777777777777777777777"
	detachedToken := "0x8888888888888888888888888888888888888888"
	store.issued = append(store.issued,
		model.Token{TokenAddress: secondToken, IssuerAddress: issuerAddr, Type: model.TokenTypeShare, TokenStatus: model.TokenStatusSucceeded},
		model.Token{TokenAddress: couponToken, IssuerAddress: issuerAddr, Type: "IbetCoupon", TokenStatus: model.TokenStatusSucceeded},
		model.Token{TokenAddress: detachedToken, IssuerAddress: issuerAddr, Type: model.TokenTypeShare, TokenStatus: model.TokenStatusSucceeded},
	)
	source.exchanges[secondToken] = exchangeAddr
	source.exchanges[detachedToken] = "0x0000000000000000000000000000000000000000"

	idx := testIndexer(source, store, 1000)
	if err := idx.SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(idx.exchangeList) != 1 {
		t.Fatalf("Expected shared exchange deduped to one entry, got %v", idx.exchangeList)
	}
	if source.tradableCalls != 3 {
		t.Errorf("Expected 3 tradableExchange reads (coupon excluded), got %d", source.tradableCalls)
	}

	// Already scanned tokens are not read again on the next pass.
	if err := idx.SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if source.tradableCalls != 3 {
		t.Errorf("Expected no further tradableExchange reads, got %d", source.tradableCalls)
	}
}

func TestNotificationContents(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()
	source.created[exchangeAddr] = []chain.CreatedEvent{
		createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo"),
	}
	source.confirmed[exchangeAddr] = []chain.ConfirmedEvent{
		{TransitionEvent: transitionEvent(1, 6, "0xconfirm1", issuerAddr, sellerAddr)},
	}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(store.notifications) != 1 {
		t.Fatalf("Expected one notification, got %d", len(store.notifications))
	}
	n := store.notifications[0]
	if n.NoticeID == "" {
		t.Error("Expected a generated notice id")
	}
	if n.IssuerAddress != issuerAddr {
		t.Errorf("Expected notification addressed to token issuer, got %s", n.IssuerAddress)
	}
	if n.Type != model.NotificationTypeDVPDeliveryInfo {
		t.Errorf("Expected type %s, got %s", model.NotificationTypeDVPDeliveryInfo, n.Type)
	}
	if n.Status != model.NotificationStatusUnsent {
		t.Errorf("Expected unsent status, got %s", n.Status)
	}

	var meta model.DeliveryNotificationMeta
	if err := json.Unmarshal(n.Metainfo, &meta); err != nil {
		t.Fatalf("Failed to unmarshal metainfo: %v", err)
	}
	if meta.ExchangeAddress != exchangeAddr || meta.DeliveryID != 1 || meta.TokenAddress != tokenAddr {
		t.Errorf("Unexpected metainfo identity: %+v", meta)
	}
	if meta.TokenType != model.TokenTypeStraightBond {
		t.Errorf("Expected token type from the registry, got %s", meta.TokenType)
	}
	if meta.Amount != 30 {
		t.Errorf("Expected amount 30 in metainfo, got %d", meta.Amount)
	}
}

func TestNotificationSkippedForUnknownToken(t *testing.T) {
	source := newFakeSource(10)
	store := newFakeStore()

	// The delivery references a token the registry does not know. The row is
	// still reconciled, only the notification is dropped.
	unknownToken := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	created := createdEvent(1, 5, big.NewInt(30), issuerAddr, sellerAddr, "memo")
	created.Token = unknownToken
	confirmed := transitionEvent(1, 6, "0xconfirm1", issuerAddr, sellerAddr)
	confirmed.Token = unknownToken
	source.created[exchangeAddr] = []chain.CreatedEvent{created}
	source.confirmed[exchangeAddr] = []chain.ConfirmedEvent{{TransitionEvent: confirmed}}

	if err := testIndexer(source, store, 1000).SyncNewLogs(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d := store.delivery(t, 1)
	if d.Status != model.DeliveryConfirmed {
		t.Errorf("Expected delivery confirmed despite unknown token, got %d", d.Status)
	}
	if len(store.notifications) != 0 {
		t.Errorf("Expected no notification for unknown token, got %d", len(store.notifications))
	}
}
