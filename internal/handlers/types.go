package handlers

// PredictionResponse is returned by /predict/image. Class and Confidence
// are filled in when the model metadata lists one class per output value.
type PredictionResponse struct {
	Model      string    `json:"model"`
	Output     []float32 `json:"output"`
	Class      string    `json:"class,omitempty"`
	Confidence float32   `json:"confidence,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// classify picks the highest scoring class. ok is false when output does
// not line up with classes.
func classify(classes []string, output []float32) (class string, confidence float32, ok bool) {
	if len(classes) == 0 || len(classes) != len(output) {
		return "", 0, false
	}

	maxIdx := 0
	maxVal := output[0]
	for i, val := range output {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return classes[maxIdx], maxVal, true
}
