// Package smfleet defines the wire messages and gRPC service contract for
// the SM fleet control plane (SMService.RegisterSM / SMService.GetBlobsInfos).
//
// The messages are plain Go structs rather than protoc-generated types:
// this module has no build-time access to protoc, so it carries its own
// grpc codec (see codec.go) instead of checked-in .pb.go descriptor bytes.
// The service descriptor in service.go is hand-assembled the same shape
// protoc-gen-go-grpc would emit.
package smfleet

// InstanceIdent is the primary key of a workload instance.
type InstanceIdent struct {
	ItemID       string `json:"itemId"`
	SubjectID    string `json:"subjectId"`
	Instance     uint64 `json:"instance"`
	Type         string `json:"type"`
	Preinstalled bool   `json:"preinstalled"`
}

// InstanceInfo describes an instance to start or stop on a node.
type InstanceInfo struct {
	Ident          InstanceIdent `json:"ident"`
	UID            uint32        `json:"uid,omitempty"`
	NetworkID      string        `json:"networkId,omitempty"`
	ExposedPorts   []string      `json:"exposedPorts,omitempty"`
	AllowedConns   []string      `json:"allowedConnections,omitempty"`
	StoragePath    string        `json:"storagePath,omitempty"`
	StatePath      string        `json:"statePath,omitempty"`
}

// UpdateNetworkParameters is the per-node network configuration pushed by
// the network manager after UpdateProviderNetwork.
type UpdateNetworkParameters struct {
	NetworkID string `json:"networkId"`
	Subnet    string `json:"subnet"`
	VlanID    uint64 `json:"vlanId"`
	IP        string `json:"ip"`
}

// NodeConfig is the desired node-level configuration (alert rules,
// resource ratios, labels) carried by updateState / newState messages.
type NodeConfig struct {
	NodeURN            string             `json:"nodeUrn,omitempty"`
	NodeGroupSubjectURN string            `json:"nodeGroupSubjectUrn,omitempty"`
	Priority            int32             `json:"priority,omitempty"`
	Labels              []string          `json:"labels,omitempty"`
	AlertRules          *AlertRules       `json:"alertRules,omitempty"`
	ResourceRatios      *ResourceRatios   `json:"resourceRatios,omitempty"`
}

// AlertRules mirrors the original's RAM/CPU/partition/download/upload
// threshold rules (original_source/.../cloudprotocol/desiredstatus.hpp).
type AlertRules struct {
	RAM        *AlertRulePercents  `json:"ram,omitempty"`
	CPU        *AlertRulePercents  `json:"cpu,omitempty"`
	Partitions []PartitionAlertRule `json:"partitions,omitempty"`
	Download   *AlertRulePoints    `json:"download,omitempty"`
	Upload     *AlertRulePoints    `json:"upload,omitempty"`
}

type AlertRulePercents struct {
	MinTimeoutSeconds int64   `json:"minTimeout"`
	MinThreshold      float64 `json:"minThreshold"`
	MaxThreshold      float64 `json:"maxThreshold"`
}

type AlertRulePoints struct {
	MinTimeoutSeconds int64  `json:"minTimeout"`
	MinThreshold      uint64 `json:"minThreshold"`
	MaxThreshold      uint64 `json:"maxThreshold"`
}

type PartitionAlertRule struct {
	MinTimeoutSeconds int64   `json:"minTimeout"`
	MinThreshold      float64 `json:"minThreshold"`
	MaxThreshold      float64 `json:"maxThreshold"`
	Name              string  `json:"name"`
}

type ResourceRatios struct {
	CPU     float64 `json:"cpu"`
	RAM     float64 `json:"ram"`
	Storage float64 `json:"storage"`
	State   float64 `json:"state"`
}

// NodeConfigStatus is returned by CheckNodeConfig / GetNodeConfigStatus.
type NodeConfigStatus struct {
	NodeID  string `json:"nodeId"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// RequestLog asks a node for a log chunk.
type RequestLog struct {
	LogID     string `json:"logId"`
	NodeID    string `json:"nodeId"`
	From      string `json:"from,omitempty"`
	Till      string `json:"till,omitempty"`
	InstanceFilter *InstanceIdent `json:"instanceFilter,omitempty"`
}

// LogData is a pushed log chunk from a node.
type LogData struct {
	LogID   string `json:"logId"`
	PartsCount uint64 `json:"partsCount,omitempty"`
	Part    uint64 `json:"part,omitempty"`
	Data    []byte `json:"data"`
	Error   string `json:"error,omitempty"`
}

// Alert is a single alert raised by a node.
type Alert struct {
	Tag       string                 `json:"tag"`
	Timestamp string                 `json:"timestamp"`
	NodeID    string                 `json:"nodeId"`
	Ident     *InstanceIdent         `json:"instanceIdent,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// InstantMonitoring is a point-in-time resource usage sample.
type InstantMonitoring struct {
	NodeID    string             `json:"nodeId"`
	Timestamp string             `json:"timestamp"`
	RAM       uint64             `json:"ram"`
	CPU       float64            `json:"cpu"`
	Download  uint64             `json:"download"`
	Upload    uint64             `json:"upload"`
	Instances []InstanceMonitoring `json:"instances,omitempty"`
}

type InstanceMonitoring struct {
	Ident InstanceIdent `json:"instanceIdent"`
	RAM   uint64        `json:"ram"`
	CPU   float64       `json:"cpu"`
}

// AverageMonitoring is a node's moving-average resource usage, returned by
// GetAverageMonitoring.
type AverageMonitoring struct {
	NodeID    string               `json:"nodeId"`
	RAM       uint64               `json:"ram"`
	CPU       float64              `json:"cpu"`
	Instances []InstanceMonitoring `json:"instances,omitempty"`
}

// InstanceStatus reports the run-state of a single started/stopped instance.
type InstanceStatus struct {
	Ident      InstanceIdent `json:"instanceIdent"`
	RunState   string        `json:"runState"`
	Error      string        `json:"error,omitempty"`
}

// UpdateInstancesStatus / NodeInstancesStatus report instance run-state to
// the controller: the former is a delta after UpdateInstances, the latter
// is the node's full current snapshot.
type UpdateInstancesStatus struct {
	Instances []InstanceStatus `json:"instances"`
}

type NodeInstancesStatus struct {
	NodeID    string           `json:"nodeId"`
	Instances []InstanceStatus `json:"instances"`
}

// EnvVarsStatus reports the result of applying overridden env vars for one
// or more instances.
type EnvVarsStatus struct {
	Ident InstanceIdent `json:"instanceIdent"`
	Error string        `json:"error,omitempty"`
}

// SMInfo is the first frame a node sends; it establishes the session's
// node id.
type SMInfo struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType,omitempty"`
}

// ConnectionStatus is pushed by the controller on cloud connect/disconnect.
type ConnectionStatus struct {
	CloudConnected bool `json:"cloudConnected"`
}

// BlobsInfosRequest / BlobsInfos back the unary GetBlobsInfos RPC.
type BlobsInfosRequest struct {
	Digests []string `json:"digests"`
}

type BlobInfo struct {
	Digest string `json:"digest"`
	URL    string `json:"url"`
}

type BlobsInfos struct {
	Blobs []BlobInfo `json:"blobs"`
}

// SMOutgoingMessages is the oneof-shaped envelope a node sends to the
// controller over RegisterSM.
type SMOutgoingMessages struct {
	SMInfo                *SMInfo                `json:"smInfo,omitempty"`
	UpdateInstancesStatus *UpdateInstancesStatus `json:"updateInstancesStatus,omitempty"`
	NodeInstancesStatus   *NodeInstancesStatus   `json:"nodeInstancesStatus,omitempty"`
	Log                   *LogData               `json:"log,omitempty"`
	InstantMonitoring     *InstantMonitoring     `json:"instantMonitoring,omitempty"`
	Alert                 *Alert                 `json:"alert,omitempty"`
	NodeConfigStatus      *NodeConfigStatus      `json:"nodeConfigStatus,omitempty"`
	AverageMonitoring     *AverageMonitoring     `json:"averageMonitoring,omitempty"`
	EnvVarsStatus         *EnvVarsStatus         `json:"envVarsStatus,omitempty"`
	CorrelationID         string                 `json:"correlationId,omitempty"`
}

// SMIncomingMessages is the oneof-shaped envelope the controller sends to a
// node over RegisterSM.
type SMIncomingMessages struct {
	CheckNodeConfig      *NodeConfig                 `json:"checkNodeConfig,omitempty"`
	SetNodeConfig        *NodeConfig                 `json:"setNodeConfig,omitempty"`
	GetNodeConfigStatus  *struct{}                   `json:"getNodeConfigStatus,omitempty"`
	RequestLog           *RequestLog                 `json:"requestLog,omitempty"`
	UpdateNetworks       []UpdateNetworkParameters   `json:"updateNetworks,omitempty"`
	StopInstances        []InstanceInfo              `json:"stopInstances,omitempty"`
	StartInstances       []InstanceInfo              `json:"startInstances,omitempty"`
	GetAverageMonitoring *struct{}                   `json:"getAverageMonitoring,omitempty"`
	ConnectionStatus     *ConnectionStatus           `json:"connectionStatus,omitempty"`
	CorrelationID        string                      `json:"correlationId,omitempty"`
}
