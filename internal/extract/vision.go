package extract

import (
	"context"
	"fmt"
	"os"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// VisionOCR extracts raw text from document photos using Google Cloud
// Vision. It is the first half of the image pipeline; the completion
// extractor turns its text into a structured payload.
type VisionOCR struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionOCR creates the OCR client with credentials from environment.
// It expects either GOOGLE_APPLICATION_CREDENTIALS path or GOOGLE_CREDENTIALS
// JSON in env, falling back to application default credentials.
func NewVisionOCR(ctx context.Context) (*VisionOCR, error) {
	const op = "NewVisionOCR"

	var client *vision.ImageAnnotatorClient
	var err error

	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, WrapExtractionError(op, err, "failed to create client with GOOGLE_CREDENTIALS")
		}
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(credFile))
		if err != nil {
			return nil, WrapExtractionError(op, err, "failed to create client with GOOGLE_APPLICATION_CREDENTIALS")
		}
	} else {
		client, err = vision.NewImageAnnotatorClient(ctx)
		if err != nil {
			return nil, WrapExtractionError(op, ErrMissingCredentials, "no credentials found in environment")
		}
	}

	return &VisionOCR{client: client}, nil
}

// NewVisionOCRWithClient creates the OCR service with an explicit client (for testing).
func NewVisionOCRWithClient(client *vision.ImageAnnotatorClient) *VisionOCR {
	return &VisionOCR{client: client}
}

// Text runs document text detection over an image and returns the full
// recognized text. Language hints are pinned to Portuguese; fiscal
// documents mix dense digits with accented prose and the hint measurably
// helps the segmentation.
func (v *VisionOCR) Text(ctx context.Context, data []byte) (string, error) {
	const op = "Text"

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: data},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
				ImageContext: &visionpb.ImageContext{
					LanguageHints: []string{"pt"},
				},
			},
		},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", WrapExtractionError(op, ErrExtractionFailed, fmt.Sprintf("Vision API call failed: %v", err))
	}
	if len(resp.Responses) == 0 {
		return "", WrapExtractionError(op, ErrExtractionFailed, "no response from Vision API")
	}

	imgResp := resp.Responses[0]
	if imgResp.Error != nil {
		return "", WrapExtractionError(op, ErrExtractionFailed, fmt.Sprintf("Vision API error: %s", imgResp.Error.Message))
	}
	if imgResp.FullTextAnnotation == nil || imgResp.FullTextAnnotation.Text == "" {
		return "", WrapExtractionError(op, ErrEmptyDocument, "no text detected in image")
	}

	return imgResp.FullTextAnnotation.Text, nil
}

// Close releases the underlying client connection.
func (v *VisionOCR) Close() error {
	return v.client.Close()
}
