package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Operator 以物件的形式保存紀錄到 S3 相容的儲存空間
type S3Operator struct {
	// Client 是 S3 客戶端。
	Client *s3.Client
	// Bucket 是 S3 存儲桶的名稱。
	Bucket string
	// PublicEndpoint 是 S3 存儲桶的公開 Endpoint，未設置時 Put 不回傳網址。
	PublicEndpoint *url.URL
}

func NewS3Operator(client *s3.Client, bucket, publicBaseURL string) (*S3Operator, error) {
	const op = "NewS3Operator"
	if client == nil {
		return nil, errors.New("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}
	operator := &S3Operator{Client: client, Bucket: bucket}
	if publicBaseURL != "" {
		publicEndpoint, err := url.Parse(publicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
		}
		operator.PublicEndpoint = publicEndpoint
	}
	return operator, nil
}

// Put 上傳物件；相同 key 重複上傳會覆蓋，因此可以安全地重試
func (s *S3Operator) Put(ctx context.Context, key, contentType string, content []byte) (string, error) {
	const op = "Put"
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload object to S3, key=%s, err=%w", op, key, err)
	}
	if s.PublicEndpoint == nil {
		return "", nil
	}
	uri := *s.PublicEndpoint
	uri.Path = path.Join("/", uri.Path, key)
	return uri.String(), nil
}

// PutJSON 以 JSON 格式上傳紀錄
func (s *S3Operator) PutJSON(ctx context.Context, key string, v any) (string, error) {
	const op = "PutJSON"
	content, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to marshal record, key=%s, err=%w", op, key, err)
	}
	return s.Put(ctx, key, "application/json", content)
}
