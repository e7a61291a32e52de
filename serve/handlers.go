// Package serve exposes a Predictor over HTTP.
package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"spit/predict"
	"spit/preprocess"
)

const maxUpload = 10 << 20

// Recorder stores served predictions.
type Recorder interface {
	RecordPrediction(source, class string, confidence float32) error
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Handler struct {
	predictor predict.Predictor
	recorder  Recorder
}

// NewHandler serves predictor. recorder may be nil.
func NewHandler(predictor predict.Predictor, recorder Recorder) *Handler {
	return &Handler{
		predictor: predictor,
		recorder:  recorder,
	}
}

// Routes registers every endpoint, wrapped in CORS, on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(h.Health))
	mux.HandleFunc("/predict", enableCORS(h.Predict))
	mux.HandleFunc("/predict/image", enableCORS(h.PredictFromImage))
	return mux
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "healthy",
		"classes": h.predictor.Labels(),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpload)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	expectedSize := h.predictor.Preproc().ImgSizeFlat()
	if len(req.Image) != expectedSize {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	h.predictAndRespond(w, "json", req.Image)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := preprocess.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG, GIF", http.StatusBadRequest)
		return
	}
	log.Printf("Received %s (%s, %dx%d)", header.Filename, format, img.Bounds().Dx(), img.Bounds().Dy())

	inputData, err := preprocess.FromImage(img, h.predictor.Preproc())
	if err != nil {
		log.Printf("Preprocessing error: %v", err)
		http.Error(w, "Failed to preprocess image", http.StatusInternalServerError)
		return
	}

	h.predictAndRespond(w, header.Filename, inputData)
}

func (h *Handler) predictAndRespond(w http.ResponseWriter, source string, row []float32) {
	preds, err := h.predictor.Predict([][]float32{row})
	if err != nil {
		log.Printf("Prediction error: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, predict.ErrInputSize) {
			status = http.StatusBadRequest
		}
		http.Error(w, "Prediction failed", status)
		return
	}
	result := preds[0]

	if h.recorder != nil {
		if err := h.recorder.RecordPrediction(source, result.Class, result.Confidence); err != nil {
			log.Printf("record prediction: %v", err)
		}
	}
	writeJSON(w, result)
}

// writeJSON encodes before writing so a failed encode still yields a 500.
func writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}
