package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// ProductRepo persists products and their catalog images.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

// UpsertProduct inserts or refreshes a product row.
func (r *ProductRepo) UpsertProduct(ctx domain.Context, p *domain.Product) error {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "products.Upsert")
	defer span.End()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO products (id, job_id, src, asin_or_itemid, title, brand, url, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, brand=EXCLUDED.brand, url=EXCLUDED.url`
	if _, err := r.Pool.Exec(ctx, q, p.ID, p.JobID, p.Src, p.ASINOrID, p.Title, p.Brand, p.URL, p.CreatedAt); err != nil {
		return fmt.Errorf("op=product.upsert: %w", err)
	}
	return nil
}

// UpsertImage inserts or refreshes a product image row.
func (r *ProductRepo) UpsertImage(ctx domain.Context, img *domain.ProductImage) error {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "products.UpsertImage")
	defer span.End()
	q := `INSERT INTO product_images (id, product_id, job_id, local_path, updated_at)
	VALUES ($1,$2,$3,$4,now())
	ON CONFLICT (id) DO UPDATE SET local_path=EXCLUDED.local_path, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, img.ID, img.ProductID, img.JobID, img.LocalPath); err != nil {
		return fmt.Errorf("op=product.upsert_image: %w", err)
	}
	return nil
}

// SetImageMasked records the segmenter output path for an image.
func (r *ProductRepo) SetImageMasked(ctx domain.Context, imageID, maskedPath string) error {
	q := `UPDATE product_images SET masked_local_path=$2, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, imageID, maskedPath); err != nil {
		return fmt.Errorf("op=product.set_masked: %w", err)
	}
	return nil
}

// SetImageEmbeddings stores the RGB and grayscale embedding vectors.
func (r *ProductRepo) SetImageEmbeddings(ctx domain.Context, imageID string, rgb, gray []float32) error {
	q := `UPDATE product_images SET emb_rgb=$2, emb_gray=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, imageID, rgb, gray); err != nil {
		return fmt.Errorf("op=product.set_embeddings: %w", err)
	}
	return nil
}

// SetImageKeypoints records the keypoint blob path for an image.
func (r *ProductRepo) SetImageKeypoints(ctx domain.Context, imageID, keypointsPath string) error {
	q := `UPDATE product_images SET kp_blob_path=$2, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, imageID, keypointsPath); err != nil {
		return fmt.Errorf("op=product.set_keypoints: %w", err)
	}
	return nil
}

const productImageColumns = `id, product_id, job_id, local_path, masked_local_path, emb_rgb, emb_gray, kp_blob_path, updated_at`

func scanProductImage(row pgx.Row) (domain.ProductImage, error) {
	var img domain.ProductImage
	err := row.Scan(&img.ID, &img.ProductID, &img.JobID, &img.LocalPath, &img.MaskedLocalPath,
		&img.EmbRGB, &img.EmbGray, &img.KeypointsPath, &img.UpdatedAt)
	return img, err
}

// GetImage loads one product image by id.
func (r *ProductRepo) GetImage(ctx domain.Context, imageID string) (domain.ProductImage, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "products.GetImage")
	defer span.End()
	img, err := scanProductImage(r.Pool.QueryRow(ctx, `SELECT `+productImageColumns+` FROM product_images WHERE id=$1`, imageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProductImage{}, fmt.Errorf("op=product.get_image: %w", domain.ErrNotFound)
		}
		return domain.ProductImage{}, fmt.Errorf("op=product.get_image: %w", err)
	}
	return img, nil
}

// ListImagesByJob returns every product image of a job, ordered by id so
// matcher runs see a stable iteration order.
func (r *ProductRepo) ListImagesByJob(ctx domain.Context, jobID string) ([]domain.ProductImage, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "products.ListImagesByJob")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+productImageColumns+` FROM product_images WHERE job_id=$1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=product.list_images: %w", err)
	}
	defer rows.Close()
	var out []domain.ProductImage
	for rows.Next() {
		img, err := scanProductImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=product.list_images: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=product.list_images: %w", err)
	}
	return out, nil
}

// VideoRepo persists videos and their sampled keyframes.
type VideoRepo struct{ Pool PgxPool }

// NewVideoRepo constructs a VideoRepo with the given pool.
func NewVideoRepo(p PgxPool) *VideoRepo { return &VideoRepo{Pool: p} }

// UpsertVideo inserts or refreshes a video row.
func (r *VideoRepo) UpsertVideo(ctx domain.Context, v *domain.Video) error {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "videos.Upsert")
	defer span.End()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO videos (id, job_id, platform, url, title, duration_s, published_at, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, duration_s=EXCLUDED.duration_s, published_at=EXCLUDED.published_at`
	if _, err := r.Pool.Exec(ctx, q, v.ID, v.JobID, v.Platform, v.URL, v.Title, v.DurationSec, v.PublishedAt, v.CreatedAt); err != nil {
		return fmt.Errorf("op=video.upsert: %w", err)
	}
	return nil
}

// UpsertFrame inserts or refreshes a keyframe row.
func (r *VideoRepo) UpsertFrame(ctx domain.Context, f *domain.VideoFrame) error {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "videos.UpsertFrame")
	defer span.End()
	q := `INSERT INTO video_frames (id, video_id, job_id, ts, local_path, updated_at)
	VALUES ($1,$2,$3,$4,$5,now())
	ON CONFLICT (id) DO UPDATE SET ts=EXCLUDED.ts, local_path=EXCLUDED.local_path, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, f.ID, f.VideoID, f.JobID, f.TsSec, f.LocalPath); err != nil {
		return fmt.Errorf("op=video.upsert_frame: %w", err)
	}
	return nil
}

// SetFrameMasked records the segmenter output path for a frame.
func (r *VideoRepo) SetFrameMasked(ctx domain.Context, frameID, maskedPath string) error {
	q := `UPDATE video_frames SET masked_local_path=$2, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, frameID, maskedPath); err != nil {
		return fmt.Errorf("op=video.set_masked: %w", err)
	}
	return nil
}

// SetFrameEmbeddings stores the RGB and grayscale embedding vectors.
func (r *VideoRepo) SetFrameEmbeddings(ctx domain.Context, frameID string, rgb, gray []float32) error {
	q := `UPDATE video_frames SET emb_rgb=$2, emb_gray=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, frameID, rgb, gray); err != nil {
		return fmt.Errorf("op=video.set_embeddings: %w", err)
	}
	return nil
}

// SetFrameKeypoints records the keypoint blob path for a frame.
func (r *VideoRepo) SetFrameKeypoints(ctx domain.Context, frameID, keypointsPath string) error {
	q := `UPDATE video_frames SET kp_blob_path=$2, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, frameID, keypointsPath); err != nil {
		return fmt.Errorf("op=video.set_keypoints: %w", err)
	}
	return nil
}

const videoFrameColumns = `id, video_id, job_id, ts, local_path, masked_local_path, emb_rgb, emb_gray, kp_blob_path, updated_at`

func scanVideoFrame(row pgx.Row) (domain.VideoFrame, error) {
	var f domain.VideoFrame
	err := row.Scan(&f.ID, &f.VideoID, &f.JobID, &f.TsSec, &f.LocalPath, &f.MaskedLocalPath,
		&f.EmbRGB, &f.EmbGray, &f.KeypointsPath, &f.UpdatedAt)
	return f, err
}

// GetFrame loads one keyframe by id.
func (r *VideoRepo) GetFrame(ctx domain.Context, frameID string) (domain.VideoFrame, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "videos.GetFrame")
	defer span.End()
	f, err := scanVideoFrame(r.Pool.QueryRow(ctx, `SELECT `+videoFrameColumns+` FROM video_frames WHERE id=$1`, frameID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VideoFrame{}, fmt.Errorf("op=video.get_frame: %w", domain.ErrNotFound)
		}
		return domain.VideoFrame{}, fmt.Errorf("op=video.get_frame: %w", err)
	}
	return f, nil
}

// ListFramesByJob returns every keyframe of a job ordered by id.
func (r *VideoRepo) ListFramesByJob(ctx domain.Context, jobID string) ([]domain.VideoFrame, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "videos.ListFramesByJob")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+videoFrameColumns+` FROM video_frames WHERE job_id=$1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=video.list_frames: %w", err)
	}
	defer rows.Close()
	var out []domain.VideoFrame
	for rows.Next() {
		f, err := scanVideoFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("op=video.list_frames: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=video.list_frames: %w", err)
	}
	return out, nil
}
