package discovery

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	metaAddr       = "addr"
	metaConfigHash = "config_hash"
)

var (
	ErrMetaTooLarge = fmt.Errorf("discovery: advertisement exceeds %d bytes", memberlist.MetaMaxSize)
	ErrInvalidMeta  = errors.New("discovery: invalid node metadata")
)

// Worker is a remote worker known through gossip.
type Worker struct {
	// Name of the gossip node, unique in the cluster.
	Name string
	// Addr is where the worker accepts QUIC flows.
	Addr string
	// ConfigHash is the identity the worker answers handshakes with.
	ConfigHash string
}

func (w Worker) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", w.Name),
		slog.String("addr", w.Addr),
		slog.String("config_hash", w.ConfigHash),
	)
}

// Advertisement is what a worker node gossips about itself.
type Advertisement struct {
	Addr       string
	ConfigHash string
}

func encodeMeta(ad Advertisement) ([]byte, error) {
	if ad.Addr == "" {
		return nil, fmt.Errorf("%w: an address is required", ErrInvalidMeta)
	}

	meta, err := proto.Marshal(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			metaAddr:       structpb.NewStringValue(ad.Addr),
			metaConfigHash: structpb.NewStringValue(ad.ConfigHash),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, ErrMetaTooLarge
	}
	return meta, nil
}

// decodeMeta returns false for nodes which advertise nothing, such as
// coordinators.
func decodeMeta(node *memberlist.Node) (Worker, bool, error) {
	if len(node.Meta) == 0 {
		return Worker{}, false, nil
	}

	meta := &structpb.Struct{}
	if err := proto.Unmarshal(node.Meta, meta); err != nil {
		return Worker{}, false, fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}

	addr := meta.GetFields()[metaAddr].GetStringValue()
	if addr == "" {
		return Worker{}, false, fmt.Errorf("%w: missing %s", ErrInvalidMeta, metaAddr)
	}

	return Worker{
		Name:       node.Name,
		Addr:       addr,
		ConfigHash: meta.GetFields()[metaConfigHash].GetStringValue(),
	}, true, nil
}
