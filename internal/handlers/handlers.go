package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/JS2IIU-MH/haru-pan/internal/bridge"
	"github.com/JS2IIU-MH/haru-pan/internal/inference"
)

// RequestIDHeader carries a caller supplied call id.
const RequestIDHeader = "X-Request-ID"

type Handler struct {
	service   *inference.Service
	channel   *bridge.Channel
	gatherer  prometheus.Gatherer
	log       logrus.FieldLogger
	maxUpload int64
}

func NewHandler(service *inference.Service, channel *bridge.Channel, gatherer prometheus.Gatherer, log logrus.FieldLogger, maxUpload int64) *Handler {
	return &Handler{
		service:   service,
		channel:   channel,
		gatherer:  gatherer,
		log:       log,
		maxUpload: maxUpload,
	}
}

// Routes returns the HTTP handler serving every endpoint with CORS enabled.
func (h *Handler) Routes() http.Handler {
	router := httprouter.New()
	router.GET("/health", h.Health)
	router.POST("/channel/:method", h.Channel)
	router.POST("/predict/image", h.PredictFromImage)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
	}).Handler(router)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := healthResponse{Status: "healthy"}
	if session, err := h.service.Active(); err == nil {
		resp.Model = session.Asset
	}
	writeJSON(w, http.StatusOK, resp)
}

// Channel invokes a channel method with the JSON object body as its
// arguments. Byte arguments are base64 strings.
func (h *Handler) Channel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	args := bridge.Args{}
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			h.writeReply(w, bridge.Reply{Error: bridge.Errorf(bridge.CodeBadArgs, "Invalid JSON: %v", err)})
			return
		}
	}

	ctx := r.Context()
	if id := r.Header.Get(RequestIDHeader); id != "" {
		ctx = bridge.WithCallID(ctx, id)
	}

	reply := h.channel.Invoke(ctx, bridge.Call{Method: ps.ByName("method"), Args: args})
	h.writeReply(w, reply)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if r.ContentLength > h.maxUpload {
		h.writeReply(w, bridge.Reply{Error: h.tooLarge()})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeReply(w, bridge.Reply{Error: h.tooLarge()})
			return
		}
		h.writeReply(w, bridge.Reply{Error: bridge.Errorf(bridge.CodeBadArgs, "Failed to parse form")})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeReply(w, bridge.Reply{Error: bridge.Errorf(bridge.CodeBadArgs,
			"No image file provided. Use 'image' as the form field name")})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeReply(w, bridge.Reply{Error: bridge.Errorf(bridge.CodeBadArgs, "Failed to read upload")})
		return
	}

	h.log.WithFields(logrus.Fields{"file": header.Filename, "size": header.Size}).Debug("Received file")

	args := bridge.Args{inference.ArgImageBytes: data}
	if v := r.FormValue(inference.ArgImageSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeReply(w, bridge.Reply{Error: bridge.Errorf(bridge.CodeBadArgs, "%s must be an integer", inference.ArgImageSize)})
			return
		}
		args[inference.ArgImageSize] = n
	}

	ctx := r.Context()
	if id := r.Header.Get(RequestIDHeader); id != "" {
		ctx = bridge.WithCallID(ctx, id)
	}

	pred, err := h.service.Predict(ctx, args)
	if err != nil {
		var bridgeErr *bridge.Error
		if !errors.As(err, &bridgeErr) {
			bridgeErr = &bridge.Error{Code: bridge.CodeInternal, Message: err.Error()}
		}
		h.writeReply(w, bridge.Reply{Error: bridgeErr})
		return
	}

	resp := PredictionResponse{Model: pred.Session.Asset, Output: pred.Output}
	if meta := pred.Session.Metadata; meta != nil {
		resp.Class, resp.Confidence, _ = classify(meta.Classes, pred.Output)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) tooLarge() *bridge.Error {
	return bridge.Errorf(bridge.CodeBadArgs, "Upload too large, limit is %d bytes", h.maxUpload)
}

func (h *Handler) writeReply(w http.ResponseWriter, reply bridge.Reply) {
	status := http.StatusOK
	if !reply.OK() {
		status = statusFor(reply.Error.Code)
		if status >= http.StatusInternalServerError {
			h.log.WithField("code", reply.Error.Code).Error(reply.Error.Message)
		}
	}
	writeJSON(w, status, reply)
}

func statusFor(code string) int {
	switch code {
	case bridge.CodeBadArgs, bridge.CodeDecodeFailed:
		return http.StatusBadRequest
	case bridge.CodeNotImplemented:
		return http.StatusNotFound
	case bridge.CodeRunFailed, bridge.CodeLoadFailed, bridge.CodeUnsupportedOutput:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
