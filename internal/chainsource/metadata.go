package chainsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
)

// MetadataProvider resolves chain-observed blueprint/service identifiers
// into the ServiceInstance records the Blueprint Manager reconciles
// against, by reading BlueprintDefinition.RawJSON with jsonpath queries
// rather than a fixed per-field struct — blueprint authors extend the
// schema freely and the manager only pulls the fields it needs.
type MetadataProvider struct {
	read ReadProvider
}

// NewMetadataProvider builds a MetadataProvider over read.
func NewMetadataProvider(read ReadProvider) *MetadataProvider {
	return &MetadataProvider{read: read}
}

// ServiceMetadata resolves a running service to its ServiceInstance desired
// state, looking up the service's blueprint and decoding its source list.
func (p *MetadataProvider) ServiceMetadata(ctx context.Context, serviceID uint64) (blueprint.ServiceInstance, error) {
	record, err := p.read.GetService(ctx, serviceID)
	if err != nil {
		return blueprint.ServiceInstance{}, apperrors.Wrap(apperrors.KindTransport, "failed to fetch service record", err)
	}

	def, err := p.read.GetBlueprintDefinition(ctx, record.BlueprintID)
	if err != nil {
		return blueprint.ServiceInstance{}, apperrors.Wrap(apperrors.KindTransport, "failed to fetch blueprint definition", err)
	}

	instance, err := decodeServiceInstance(def, blueprint.ServiceIdentity{BlueprintID: record.BlueprintID, ServiceID: serviceID}, false)
	if err != nil {
		return blueprint.ServiceInstance{}, err
	}
	return instance, nil
}

// RegistrationMetadata resolves a blueprint (not yet bound to a service) to
// the ServiceInstance used to run its registration-mode process, returning
// ok=false if the blueprint carries no registration source.
func (p *MetadataProvider) RegistrationMetadata(ctx context.Context, blueprintID uint64) (blueprint.ServiceInstance, bool, error) {
	def, err := p.read.GetBlueprintDefinition(ctx, blueprintID)
	if err != nil {
		return blueprint.ServiceInstance{}, false, apperrors.Wrap(apperrors.KindTransport, "failed to fetch blueprint definition", err)
	}

	var doc interface{}
	if err := json.Unmarshal(def.RawJSON, &doc); err != nil {
		return blueprint.ServiceInstance{}, false, apperrors.Wrap(apperrors.KindValidation, "malformed blueprint definition JSON", err)
	}
	hasRegistration, _ := jsonpath.Get("$.registration", doc)
	if hasRegistration == nil {
		return blueprint.ServiceInstance{}, false, nil
	}

	instance, err := decodeServiceInstance(def, blueprint.ServiceIdentity{BlueprintID: blueprintID}, true)
	if err != nil {
		return blueprint.ServiceInstance{}, false, err
	}
	return instance, true, nil
}

// JobDescriptor is one entry in a blueprint's job schema, as declared at
// "$.jobs" in its raw definition JSON.
type JobDescriptor struct {
	Index uint32 `json:"index"`
	Name  string `json:"name"`
}

// JobSchema resolves a blueprint's declared job list for the CLI's
// `blueprint jobs list` surface (spec §6.2), along with the count of
// github or container source entries that carry neither BinaryHashHex nor
// ImageDigest so the caller can warn about
// unverifiable provenance the way blueprint.BlueprintSource's doc comment
// promises.
func (p *MetadataProvider) JobSchema(ctx context.Context, blueprintID uint64) ([]JobDescriptor, int, error) {
	def, err := p.read.GetBlueprintDefinition(ctx, blueprintID)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindTransport, "failed to fetch blueprint definition", err)
	}

	var doc interface{}
	if err := json.Unmarshal(def.RawJSON, &doc); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindValidation, "malformed blueprint definition JSON", err)
	}

	jobs := decodeJobs(doc)

	rawSources, _ := jsonpath.Get("$.sources", doc)
	sources, err := decodeSources(rawSources)
	if err != nil {
		// A blueprint with jobs but a malformed source list still has a
		// listable job schema; report zero missing-hash sources rather
		// than failing the whole listing.
		return jobs, 0, nil
	}
	missingHash := 0
	for _, src := range sources {
		if (src.Kind == blueprint.SourceGithub || src.Kind == blueprint.SourceContainer) && src.BinaryHashHex == "" && src.ImageDigest == "" {
			missingHash++
		}
	}
	return jobs, missingHash, nil
}

func decodeJobs(doc interface{}) []JobDescriptor {
	raw, err := jsonpath.Get("$.jobs", doc)
	if err != nil {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	jobs := make([]JobDescriptor, 0, len(items))
	for i, item := range items {
		entry, _ := item.(map[string]interface{})
		name, _ := entry["name"].(string)
		jobs = append(jobs, JobDescriptor{Index: uint32(i), Name: name})
	}
	return jobs
}

// OperatorServices lists the service IDs operator currently runs, by
// scanning the on-chain service count — a simple linear scan since the
// Chain Event Source keeps the manager's live set current after startup.
func (p *MetadataProvider) OperatorServices(ctx context.Context, operator string) ([]uint64, error) {
	count, err := p.read.ServiceCount(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransport, "failed to fetch service count", err)
	}

	var ids []uint64
	for id := uint64(0); id < count; id++ {
		isOperator, err := p.read.IsServiceOperator(ctx, id, operator)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransport, fmt.Sprintf("failed to check operator membership for service %d", id), err)
		}
		if isOperator {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// decodeServiceInstance extracts name, required env, and the ordered
// source list from a blueprint definition's raw JSON.
func decodeServiceInstance(def BlueprintDefinition, identity blueprint.ServiceIdentity, registrationMode bool) (blueprint.ServiceInstance, error) {
	var doc interface{}
	if err := json.Unmarshal(def.RawJSON, &doc); err != nil {
		return blueprint.ServiceInstance{}, apperrors.Wrap(apperrors.KindValidation, "malformed blueprint definition JSON", err)
	}

	name, _ := jsonpath.Get("$.name", doc)
	nameStr, _ := name.(string)

	sourcesPath := "$.sources"
	if registrationMode {
		sourcesPath = "$.registration.sources"
	}
	rawSources, err := jsonpath.Get(sourcesPath, doc)
	if err != nil {
		return blueprint.ServiceInstance{}, apperrors.Wrap(apperrors.KindValidation, "blueprint definition missing source list at "+sourcesPath, err)
	}

	sources, err := decodeSources(rawSources)
	if err != nil {
		return blueprint.ServiceInstance{}, err
	}

	return blueprint.ServiceInstance{
		Identity:         identity,
		Name:             nameStr,
		Sources:          sources,
		RegistrationMode: registrationMode,
		Lifecycle:        blueprint.LifecyclePending,
	}, nil
}

// decodeSources converts the jsonpath-decoded []interface{} of
// map[string]interface{} entries into typed BlueprintSource values by
// round-tripping each entry through encoding/json, which lets authors use
// arbitrary field ordering and omit fields their source kind doesn't need.
func decodeSources(raw interface{}) ([]blueprint.BlueprintSource, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation, "blueprint definition sources must be a JSON array")
	}

	out := make([]blueprint.BlueprintSource, 0, len(items))
	for i, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, fmt.Sprintf("failed to re-encode source entry %d", i), err)
		}

		var wire struct {
			Kind          blueprint.SourceKind `json:"kind"`
			WorkspacePath string               `json:"workspace_path"`
			BuildCommand  []string             `json:"build_command"`
			Repo          string               `json:"repo"`
			Tag           string               `json:"tag"`
			AssetPattern  string               `json:"asset_pattern"`
			BinaryHashHex string               `json:"binary_hash_hex"`
			Image         string               `json:"image"`
			ImageDigest   string               `json:"image_digest"`
			URL           string               `json:"url"`
			ChecksumHex   string               `json:"checksum_hex"`
			RequiredEnv   []string             `json:"required_env"`
			Args          []string             `json:"args"`
		}
		if err := json.Unmarshal(encoded, &wire); err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, fmt.Sprintf("malformed source entry %d", i), err)
		}
		if wire.Kind == "" {
			return nil, apperrors.New(apperrors.KindValidation, fmt.Sprintf("source entry %d missing kind", i))
		}

		out = append(out, blueprint.BlueprintSource{
			Kind:          wire.Kind,
			WorkspacePath: wire.WorkspacePath,
			BuildCommand:  wire.BuildCommand,
			Repo:          wire.Repo,
			Tag:           wire.Tag,
			AssetPattern:  wire.AssetPattern,
			BinaryHashHex: wire.BinaryHashHex,
			Image:         wire.Image,
			ImageDigest:   wire.ImageDigest,
			URL:           wire.URL,
			ChecksumHex:   wire.ChecksumHex,
			RequiredEnv:   wire.RequiredEnv,
			Args:          wire.Args,
		})
	}
	return out, nil
}
