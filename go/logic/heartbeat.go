/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/julienschmidt/httprouter"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

const (
	heartbeatHandshakePath = "/colo/v1/handshake"
	heartbeatPath          = "/colo/v1/heartbeat"

	clusterHeader = "X-Colo-Cluster"
	secretHeader  = "X-Colo-Secret"

	// minimumPeerVersion gates pairing: peers older than this predate
	// the failover grace-window behavior and cannot be trusted to get
	// out of the way.
	minimumPeerVersion = ">= 0.9"
)

type handshakeRequest struct {
	NodeId     string `json:"node_id"`
	Hostname   string `json:"hostname"`
	Role       string `json:"role"`
	AppVersion string `json:"app_version"`
}

type handshakeResponse struct {
	NodeId     string `json:"node_id"`
	Session    string `json:"session"`
	AppVersion string `json:"app_version"`
}

// HeartbeatService is the management-plane liveness channel between
// the pair, deliberately independent of the checkpoint connection.
// Each endpoint serves heartbeats and probes its peer; enough
// consecutive probe misses request failover.
type HeartbeatService struct {
	migrationContext *base.SessionContext
	failover         *FailoverController

	client   *resty.Client
	server   *http.Server
	listener net.Listener

	nodeId        string
	lastSeenNanos int64
	missCount     int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHeartbeatService(migrationContext *base.SessionContext, failover *FailoverController) *HeartbeatService {
	interval := time.Duration(migrationContext.GetHeartbeatIntervalMillis()) * time.Millisecond
	return &HeartbeatService{
		migrationContext: migrationContext,
		failover:         failover,
		client:           resty.New().SetTimeout(interval),
		nodeId:           uuid.NewString(),
		stopCh:           make(chan struct{}),
	}
}

// Listen serves the heartbeat endpoints, when a listen address is
// configured.
func (this *HeartbeatService) Listen() error {
	if this.migrationContext.HeartbeatListenAddr == "" {
		return nil
	}
	router := httprouter.New()
	router.POST(heartbeatHandshakePath, this.handshakeHandler)
	router.POST(heartbeatPath, this.heartbeatHandler)

	listener, err := net.Listen("tcp", this.migrationContext.HeartbeatListenAddr)
	if err != nil {
		return err
	}
	this.listener = listener
	this.server = &http.Server{Handler: router}
	go func() {
		if err := this.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			this.migrationContext.Log.Errore(err)
		}
	}()
	this.migrationContext.Log.Infof("heartbeat: listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listen address, or empty when not listening.
func (this *HeartbeatService) Addr() string {
	if this.listener == nil {
		return ""
	}
	return this.listener.Addr().String()
}

// Handshake exchanges identity with the peer once, validating cluster
// name, secret and version compatibility before lockstep begins.
func (this *HeartbeatService) Handshake() error {
	if this.migrationContext.PeerHeartbeatURL == "" {
		return nil
	}
	body := handshakeRequest{
		NodeId:     this.nodeId,
		Hostname:   this.migrationContext.Hostname,
		Role:       this.migrationContext.GetRole().String(),
		AppVersion: this.migrationContext.AppVersion,
	}
	response, err := this.client.R().
		SetHeader(clusterHeader, this.migrationContext.ClusterName).
		SetHeader(secretHeader, this.migrationContext.GetPeerSecret()).
		SetBody(body).
		Post(this.migrationContext.PeerHeartbeatURL + heartbeatHandshakePath)
	if err != nil {
		return err
	}
	if response.StatusCode() != http.StatusOK {
		return fmt.Errorf("heartbeat handshake: peer returned %s: %s", response.Status(), response.String())
	}
	var peer handshakeResponse
	if err := json.Unmarshal(response.Body(), &peer); err != nil {
		return fmt.Errorf("heartbeat handshake: undecodable peer response: %w", err)
	}
	this.migrationContext.Log.Infof("heartbeat: handshake complete; peer node %s runs %s", peer.NodeId, peer.AppVersion)
	return nil
}

// Probe starts the peer prober when a peer URL is configured.
// Consecutive misses beyond the threshold request failover.
func (this *HeartbeatService) Probe() {
	if this.migrationContext.PeerHeartbeatURL == "" {
		return
	}
	go this.probeLoop()
}

func (this *HeartbeatService) probeLoop() {
	interval := time.Duration(this.migrationContext.GetHeartbeatIntervalMillis()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-this.stopCh:
			return
		case <-ticker.C:
		}

		if err := this.probeOnce(); err != nil {
			misses := atomic.AddInt64(&this.missCount, 1)
			threshold := this.migrationContext.GetHeartbeatMissThreshold()
			this.migrationContext.Log.Warningf("heartbeat: peer probe failed (%d/%d): %v", misses, threshold, err)
			if misses >= threshold {
				this.failover.Request(fmt.Sprintf("lost heartbeat: %d consecutive probe failures", misses))
				return
			}
			continue
		}
		atomic.StoreInt64(&this.missCount, 0)
	}
}

func (this *HeartbeatService) probeOnce() error {
	response, err := this.client.R().
		SetHeader(clusterHeader, this.migrationContext.ClusterName).
		SetHeader(secretHeader, this.migrationContext.GetPeerSecret()).
		Post(this.migrationContext.PeerHeartbeatURL + heartbeatPath)
	if err != nil {
		return err
	}
	if response.StatusCode() != http.StatusOK {
		return fmt.Errorf("peer returned %s", response.Status())
	}
	return nil
}

// Stop ends probing and closes the listener.
func (this *HeartbeatService) Stop() {
	this.stopOnce.Do(func() {
		close(this.stopCh)
	})
	if this.server != nil {
		this.server.Close()
	}
}

// LastPeerSeen returns when the peer last reached this endpoint; zero
// when it never did.
func (this *HeartbeatService) LastPeerSeen() time.Time {
	nanos := atomic.LoadInt64(&this.lastSeenNanos)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (this *HeartbeatService) markPeerSeen() {
	atomic.StoreInt64(&this.lastSeenNanos, time.Now().UnixNano())
}

func (this *HeartbeatService) authorize(r *http.Request) error {
	if r.Header.Get(clusterHeader) != this.migrationContext.ClusterName {
		return fmt.Errorf("cluster name mismatch")
	}
	if secret := this.migrationContext.GetPeerSecret(); secret != "" && r.Header.Get(secretHeader) != secret {
		return fmt.Errorf("bad cluster secret")
	}
	return nil
}

// validatePeerRole rejects a peer claiming this endpoint's own role.
func (this *HeartbeatService) validatePeerRole(peerRole string) error {
	role, err := base.ParseRole(peerRole)
	if err != nil {
		return err
	}
	if role == this.migrationContext.GetRole() {
		return fmt.Errorf("role conflict: both endpoints claim to be %s", role)
	}
	return nil
}

// validatePeerVersion refuses to pair with peers older than the
// minimum supported release.
func (this *HeartbeatService) validatePeerVersion(peerVersion string) error {
	if peerVersion == "" {
		return fmt.Errorf("peer did not report a version")
	}
	constraint, err := version.NewConstraint(minimumPeerVersion)
	if err != nil {
		return err
	}
	parsed, err := version.NewVersion(peerVersion)
	if err != nil {
		return fmt.Errorf("cannot parse peer version %q: %w", peerVersion, err)
	}
	if !constraint.Check(parsed.Core()) {
		return fmt.Errorf("peer version %s does not satisfy %s", peerVersion, minimumPeerVersion)
	}
	return nil
}

func (this *HeartbeatService) handshakeHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := this.authorize(r); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	var request handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := this.validatePeerVersion(request.AppVersion); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := this.validatePeerRole(request.Role); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	this.markPeerSeen()
	this.migrationContext.Log.Infof("heartbeat: paired with %s node %s on %s (%s)", request.Role, request.NodeId, request.Hostname, request.AppVersion)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(handshakeResponse{
		NodeId:     this.nodeId,
		Session:    this.migrationContext.Uuid,
		AppVersion: this.migrationContext.AppVersion,
	})
}

func (this *HeartbeatService) heartbeatHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := this.authorize(r); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	this.markPeerSeen()
	w.WriteHeader(http.StatusOK)
}
