// Package inference ties model sessions, image preprocessing and output
// flattening together behind the harupan/onnx method channel.
package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JS2IIU-MH/haru-pan/internal/bridge"
	"github.com/JS2IIU-MH/haru-pan/internal/metrics"
	"github.com/JS2IIU-MH/haru-pan/internal/model"
	"github.com/JS2IIU-MH/haru-pan/internal/postprocess"
	"github.com/JS2IIU-MH/haru-pan/internal/preprocess"
)

// ChannelName is the method channel the host application calls.
const ChannelName = "harupan/onnx"

// Method names and argument keys of the channel.
const (
	MethodLoadModel = "loadModel"
	MethodRun       = "run"

	ArgAssetPath  = "assetPath"
	ArgReload     = "reload"
	ArgImageBytes = "imageBytes"
	ArgImageSize  = "imgsz"
)

// Options tunes a Service.
type Options struct {
	// ImageSize is used for runs that do not pass imgsz and whose model
	// metadata names no size.
	ImageSize int
	// MaxImageSize caps imgsz accepted from callers.
	MaxImageSize int
}

// Prediction is the flattened output of one run and the session that
// produced it.
type Prediction struct {
	Output  []float32
	Session *model.Session
}

// Service runs images through the active model.
type Service struct {
	provider *model.Provider
	slot     model.Slot
	loadMu   sync.Mutex
	opts     Options
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func NewService(provider *model.Provider, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		opts:     opts,
		log:      log,
		metrics:  m,
	}
}

// LoadModel makes asset the active model. With reload set, a fresh session
// replaces an already open one; the old one is closed only after the new
// one is active, and Close waits for runs still using it.
func (s *Service) LoadModel(ctx context.Context, asset string, reload bool) (*model.Session, error) {
	// the slot must end up holding what the provider holds
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if !reload {
		session, err := s.provider.EnsureLoaded(ctx, asset)
		if err != nil {
			return nil, err
		}
		s.slot.Swap(session)
		s.metrics.SetLoadedModels(len(s.provider.Loaded()))
		return session, nil
	}

	session, prev, err := s.provider.Reload(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.slot.Swap(session)
	s.metrics.SetLoadedModels(len(s.provider.Loaded()))

	if prev != nil {
		if err := prev.Close(); err != nil {
			s.log.WithError(err).WithField("asset", asset).Warn("Failed to close replaced session")
		}
	}
	return session, nil
}

// Active returns the active session or model.ErrNoSession.
func (s *Service) Active() (*model.Session, error) {
	return s.slot.Current()
}

// Run preprocesses imageBytes to imageSize x imageSize, runs the active
// model and flattens its first output. imageSize 0 selects the default.
func (s *Service) Run(ctx context.Context, imageBytes []byte, imageSize int) (*Prediction, error) {
	session, err := s.slot.Current()
	if err != nil {
		return nil, err
	}

	if imageSize == 0 {
		imageSize = s.defaultImageSize(session)
	}

	start := time.Now()
	tensor, err := preprocess.Prepare(imageBytes, imageSize)
	if err != nil {
		return nil, err
	}
	s.metrics.ObservePreprocess(time.Since(start))

	start = time.Now()
	out, err := session.Run(ctx, tensor)
	for errors.Is(err, model.ErrSessionClosed) {
		// replaced by a reload after we picked it up
		next, currentErr := s.slot.Current()
		if currentErr != nil || next == session {
			break
		}
		session = next
		out, err = session.Run(ctx, tensor)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveInference(session.Asset, time.Since(start))

	flat, err := postprocess.Flatten(out)
	if err != nil {
		return nil, err
	}
	return &Prediction{Output: flat, Session: session}, nil
}

// Predict serves a run call with parsed and checked arguments. It is what
// the run method executes; transports that need the producing session
// call it directly.
func (s *Service) Predict(ctx context.Context, args bridge.Args) (*Prediction, error) {
	var pred *Prediction
	_, err := s.instrument(MethodRun, func(ctx context.Context, args bridge.Args) (any, error) {
		p, err := s.predict(ctx, args)
		pred = p
		return p, err
	})(ctx, args)
	if err != nil {
		return nil, err
	}
	return pred, nil
}

func (s *Service) defaultImageSize(session *model.Session) int {
	if session.Metadata != nil && session.Metadata.ImageSize > 0 {
		return session.Metadata.ImageSize
	}
	return s.opts.ImageSize
}

// Register installs the service's methods on ch.
func (s *Service) Register(ch *bridge.Channel) {
	ch.Handle(MethodLoadModel, s.instrument(MethodLoadModel, s.handleLoadModel))
	ch.Handle(MethodRun, func(ctx context.Context, args bridge.Args) (any, error) {
		pred, err := s.Predict(ctx, args)
		if err != nil {
			return nil, err
		}
		return pred.Output, nil
	})
}

func (s *Service) handleLoadModel(ctx context.Context, args bridge.Args) (any, error) {
	asset, _, err := args.String(ArgAssetPath)
	if err != nil {
		return nil, err
	}
	if asset == "" {
		return nil, bridge.Errorf(bridge.CodeBadArgs, "Missing %s", ArgAssetPath)
	}

	reload := false
	if v, ok := args[ArgReload]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, bridge.Errorf(bridge.CodeBadArgs, "%s must be a boolean, got %T", ArgReload, v)
		}
		reload = b
	}

	if _, err := s.LoadModel(ctx, asset, reload); err != nil {
		return nil, &bridge.Error{Code: bridge.CodeLoadFailed, Message: err.Error()}
	}
	return true, nil
}

func (s *Service) predict(ctx context.Context, args bridge.Args) (*Prediction, error) {
	imageBytes, ok, err := args.Bytes(ArgImageBytes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bridge.Errorf(bridge.CodeBadArgs, "Missing %s", ArgImageBytes)
	}

	imageSize, ok, err := args.Int(ArgImageSize)
	if err != nil {
		return nil, err
	}
	if ok && imageSize <= 0 {
		return nil, bridge.Errorf(bridge.CodeBadArgs, "%s must be positive, got %d", ArgImageSize, imageSize)
	}
	if s.opts.MaxImageSize > 0 && imageSize > s.opts.MaxImageSize {
		return nil, bridge.Errorf(bridge.CodeBadArgs, "%s must be at most %d, got %d", ArgImageSize, s.opts.MaxImageSize, imageSize)
	}

	pred, err := s.Run(ctx, imageBytes, imageSize)
	if err != nil {
		return nil, toBridgeError(err)
	}
	return pred, nil
}

func (s *Service) instrument(method string, h bridge.Handler) bridge.Handler {
	return func(ctx context.Context, args bridge.Args) (any, error) {
		start := time.Now()
		result, err := h(ctx, args)

		code := "ok"
		var bridgeErr *bridge.Error
		if errors.As(err, &bridgeErr) {
			code = bridgeErr.Code
		} else if err != nil {
			code = bridge.CodeInternal
		}
		s.metrics.ObserveCall(method, code)

		log := s.log.WithFields(logrus.Fields{
			"call_id": bridge.CallID(ctx),
			"method":  method,
			"code":    code,
			"elapsed": time.Since(start),
		})
		if err != nil {
			log.WithError(err).Warn("Call failed")
		} else {
			log.Debug("Call completed")
		}
		return result, err
	}
}

// toBridgeError maps service errors onto channel error codes.
func toBridgeError(err error) *bridge.Error {
	var (
		bridgeErr   *bridge.Error
		decodeErr   *preprocess.DecodeError
		unsupported *postprocess.UnsupportedOutputError
		loadErr     *model.LoadError
		runtimeErr  *model.RuntimeError
	)
	switch {
	case errors.As(err, &bridgeErr):
		return bridgeErr
	case errors.Is(err, model.ErrNoSession):
		return bridge.Errorf(bridge.CodeRunFailed, "Session not loaded")
	case errors.As(err, &decodeErr):
		return &bridge.Error{Code: bridge.CodeDecodeFailed, Message: err.Error()}
	case errors.Is(err, preprocess.ErrInvalidSize):
		return &bridge.Error{Code: bridge.CodeBadArgs, Message: err.Error()}
	case errors.As(err, &unsupported):
		return &bridge.Error{Code: bridge.CodeUnsupportedOutput, Message: err.Error()}
	case errors.As(err, &loadErr):
		return &bridge.Error{Code: bridge.CodeLoadFailed, Message: err.Error()}
	case errors.As(err, &runtimeErr):
		return &bridge.Error{Code: bridge.CodeRunFailed, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &bridge.Error{Code: bridge.CodeRunFailed, Message: err.Error()}
	}
	return &bridge.Error{Code: bridge.CodeInternal, Message: err.Error()}
}
