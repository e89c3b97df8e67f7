package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	InputLayerSize  = 784 // 28x28 MNIST
	OutputLayerSize = 10  // цифры 0-9
)

var (
	ErrInvalidTopology       = errors.New("invalid network topology")
	ErrInvalidTrainingConfig = errors.New("invalid training config")
)

// DefaultLayerSizes - топология по умолчанию для демо
var DefaultLayerSizes = []int{784, 128, 64, 10}

// NetworkSpec - тело POST /networks
type NetworkSpec struct {
	LayerSizes []int `json:"layer_sizes"`
}

// Validate проверяет, что вход и выход сети совпадают с форматом датасета
func (s NetworkSpec) Validate() error {
	if len(s.LayerSizes) < 2 {
		return fmt.Errorf("%w: at least input and output layers are required", ErrInvalidTopology)
	}
	if s.LayerSizes[0] != InputLayerSize {
		return fmt.Errorf("%w: input layer must be %d, got %d", ErrInvalidTopology, InputLayerSize, s.LayerSizes[0])
	}
	if last := s.LayerSizes[len(s.LayerSizes)-1]; last != OutputLayerSize {
		return fmt.Errorf("%w: output layer must be %d, got %d", ErrInvalidTopology, OutputLayerSize, last)
	}
	for i, n := range s.LayerSizes {
		if n <= 0 {
			return fmt.Errorf("%w: layer %d has size %d", ErrInvalidTopology, i, n)
		}
	}
	return nil
}

// BuildLayerSizes собирает топологию из скрытых слоев (как форма конфигурации в UI).
// hidden2 <= 0 означает, что второй скрытый слой не используется.
func BuildLayerSizes(hidden1, hidden2 int) []int {
	sizes := []int{InputLayerSize, hidden1}
	if hidden2 > 0 {
		sizes = append(sizes, hidden2)
	}
	return append(sizes, OutputLayerSize)
}

type Network struct {
	ID         string   `json:"network_id"`
	LayerSizes []int    `json:"layer_sizes"`
	Trained    bool     `json:"trained"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
}

// TrainingConfig - тело POST /networks/{id}/train
type TrainingConfig struct {
	Epochs        int     `json:"epochs" mapstructure:"epochs"`
	MiniBatchSize int     `json:"mini_batch_size" mapstructure:"mini_batch_size"`
	LearningRate  float64 `json:"learning_rate" mapstructure:"learning_rate"`
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{Epochs: 10, MiniBatchSize: 10, LearningRate: 3.0}
}

func (c TrainingConfig) Validate() error {
	if c.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be >= 1, got %d", ErrInvalidTrainingConfig, c.Epochs)
	}
	if c.MiniBatchSize < 1 {
		return fmt.Errorf("%w: mini_batch_size must be >= 1, got %d", ErrInvalidTrainingConfig, c.MiniBatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0, got %v", ErrInvalidTrainingConfig, c.LearningRate)
	}
	return nil
}

type TrainResponse struct {
	JobID string `json:"job_id"`
}

// NetworkExample - пример предсказания (успешный или ошибочный)
type NetworkExample struct {
	ExampleIndex   int       `json:"example_index"`
	ImageData      string    `json:"image_data"`
	ActualDigit    int       `json:"actual_digit"`
	PredictedDigit int       `json:"predicted_digit"`
	Correct        bool      `json:"correct"`
	NetworkOutput  []float64 `json:"network_output"`
}

const pngDataPrefix = "data:image/png;base64,"

// ImageDataURI приводит image_data к виду data URI.
// Бэкенд отдает то голый base64, то уже готовый URI.
func (e NetworkExample) ImageDataURI() string {
	data := strings.TrimSpace(e.ImageData)
	if data == "" {
		return ""
	}
	if strings.HasPrefix(data, "data:image/") {
		return data
	}
	return pngDataPrefix + data
}

// Confidence - максимальное значение выхода сети (для отображения уверенности)
func (e NetworkExample) Confidence() float64 {
	var best float64
	for i, v := range e.NetworkOutput {
		if i == 0 || v > best {
			best = v
		}
	}
	return best
}

// ExampleSet - ответ /misclassified
type ExampleSet struct {
	Examples []NetworkExample `json:"examples"`
	Checked  int              `json:"checked,omitempty"`
}
