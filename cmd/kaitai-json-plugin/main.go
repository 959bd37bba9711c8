package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/kaitai-json/pkg/jsonout"
	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
	"github.com/twinfer/kaitai-json/pkg/provider"
)

const (
	metaSchemaPath = "kaitai_schema_path"
	metaRootType   = "kaitai_root_type"
)

// KaitaiJSONProcessor is a Benthos processor that parses binary message
// payloads with a Kaitai Struct schema and replaces them with the projected
// JSON document.
type KaitaiJSONProcessor struct {
	config     KaitaiJSONConfig
	schema     *ksy.Schema
	parser     provider.BytesProvider
	projector  *projector.Projector
	logger     *service.Logger
	mProjected *service.MetricCounter
	mErrors    *service.MetricCounter
}

// KaitaiJSONConfig contains configuration parameters for the processor.
type KaitaiJSONConfig struct {
	SchemaPath    string                `json:"schema_path" yaml:"schema_path"`
	RootType      string                `json:"root_type" yaml:"root_type"`
	BytesEncoding jsonout.BytesEncoding `json:"bytes_encoding" yaml:"bytes_encoding"`
	Provider      provider.Kind         `json:"provider" yaml:"provider"`
}

func init() {
	err := service.RegisterProcessor(
		"kaitai_json",
		kaitaiJSONProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newKaitaiJSONProcessorFromConfig(conf, mgr, osfs.New())
		},
	)
	if err != nil {
		panic(err)
	}
}

func main() {
	service.RunCLI(context.Background())
}

// kaitaiJSONProcessorConfig returns a config spec for a kaitai_json processor.
func kaitaiJSONProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Converts binary payloads to JSON using Kaitai Struct schemas without code generation.").
		Description("This processor parses each message with the format described by a KSY schema and replaces the payload with a JSON document whose keys follow the schema's field order.").
		Field(service.NewStringField("schema_path").
			Description("Path to the Kaitai Struct (.ksy) schema file.").
			Example("./schemas/my_format.ksy")).
		Field(service.NewStringField("root_type").
			Description("The type to start parsing from. Leave empty to use the schema's meta.id.").
			Default("")).
		Field(service.NewStringEnumField("bytes_encoding", string(jsonout.BytesArray), string(jsonout.BytesBase64), string(jsonout.BytesHex)).
			Description("How byte sequences are rendered in the JSON document.").
			Default(string(jsonout.BytesArray))).
		Field(service.NewStringEnumField("provider", string(provider.KindInterp), string(provider.KindRegistry)).
			Description("How payloads are parsed: by interpreting the schema, or with a generated parser linked into the binary.").
			Default(string(provider.KindInterp))).
		Version("0.1.0")
}

// newKaitaiJSONProcessorFromConfig creates a new KaitaiJSONProcessor from a
// parsed config. The schema is loaded and checked up front.
func newKaitaiJSONProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources, fs vfs.FileSystem) (*KaitaiJSONProcessor, error) {
	schemaPath, err := conf.FieldString("schema_path")
	if err != nil {
		return nil, err
	}

	rootType, err := conf.FieldString("root_type")
	if err != nil {
		return nil, err
	}

	encodingName, err := conf.FieldString("bytes_encoding")
	if err != nil {
		return nil, err
	}
	encoding, err := jsonout.ParseBytesEncoding(encodingName)
	if err != nil {
		return nil, err
	}

	providerName, err := conf.FieldString("provider")
	if err != nil {
		return nil, err
	}
	kind, err := provider.ParseKind(providerName)
	if err != nil {
		return nil, err
	}

	schema, err := ksy.LoadFile(fs, schemaPath)
	if err != nil {
		return nil, err
	}
	if rootType == "" {
		rootType = schema.RootID()
	}
	if rootType != schema.RootID() && !schema.IsUserType(rootType) {
		return nil, &projector.TypeError{Type: rootType}
	}

	p, err := provider.New(kind, schema, rootType, "", provider.WithFileSystem(fs))
	if err != nil {
		return nil, fmt.Errorf("creating parser for %s: %w", schemaPath, err)
	}
	parser, ok := p.(provider.BytesProvider)
	if !ok {
		return nil, fmt.Errorf("provider %T cannot parse message payloads", p)
	}

	metrics := mgr.Metrics()
	return &KaitaiJSONProcessor{
		config: KaitaiJSONConfig{
			SchemaPath:    schemaPath,
			RootType:      rootType,
			BytesEncoding: encoding,
			Provider:      kind,
		},
		schema:     schema,
		parser:     parser,
		projector:  projector.New(schema),
		logger:     mgr.Logger(),
		mProjected: metrics.NewCounter("kaitai_json_projected"),
		mErrors:    metrics.NewCounter("kaitai_json_errors"),
	}, nil
}

// Process converts a binary message to JSON. Failures are attached to the
// message and leave its payload untouched.
func (k *KaitaiJSONProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	binData, err := msg.AsBytes()
	if err != nil {
		return k.fail(msg, fmt.Errorf("failed to get binary data from message: %w", err))
	}
	if len(binData) == 0 {
		k.logger.Warn("Empty binary data provided")
		return k.fail(msg, errors.New("empty binary data provided"))
	}

	parsed, err := k.parser.ParseBytes(ctx, binData, k.config.RootType)
	if err != nil {
		return k.fail(msg, fmt.Errorf("failed to parse binary data of size %d bytes: %w", len(binData), err))
	}

	out, err := k.projector.Project(parsed, k.config.RootType)
	if err != nil {
		return k.fail(msg, fmt.Errorf("failed to project %s: %w", k.config.RootType, err))
	}

	jsonData, err := jsonout.Marshal(out, jsonout.Options{Bytes: k.config.BytesEncoding})
	if err != nil {
		return k.fail(msg, err)
	}

	k.logger.Debugf("Converted %d bytes of binary data to JSON", len(binData))
	k.mProjected.Incr(1)

	newMsg := service.NewMessage(jsonData)
	msg.MetaWalk(func(key, value string) error {
		newMsg.MetaSet(key, value)
		return nil
	})
	newMsg.MetaSet(metaSchemaPath, k.config.SchemaPath)
	newMsg.MetaSet(metaRootType, k.config.RootType)

	return service.MessageBatch{newMsg}, nil
}

func (k *KaitaiJSONProcessor) fail(msg *service.Message, err error) (service.MessageBatch, error) {
	k.logger.Errorf("%v", err)
	k.mErrors.Incr(1)
	msg.SetError(err)
	return service.MessageBatch{msg}, nil
}

// Close the processor resources
func (k *KaitaiJSONProcessor) Close(ctx context.Context) error {
	return nil
}
