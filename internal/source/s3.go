package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/logging"
)

var log = logging.Component("archive")

// The Level II archive lays objects out one day-site prefix at a time:
//
//	2023/11/14/KDMX/KDMX20231114_221320_V06
//
// Listing a time range means listing every day prefix it touches.

// S3Archive reads the public Level II archive bucket. The zero
// credential chain works: the bucket allows anonymous reads.
type S3Archive struct {
	svc    *s3.S3
	bucket string
}

// NewS3Archive creates an archive client for the given bucket using the
// session's region and credentials.
func NewS3Archive(bucket string, awsSession *session.Session) *S3Archive {
	return &S3Archive{
		svc:    s3.New(awsSession),
		bucket: bucket,
	}
}

// ListScans lists the archived scans of a site whose start time falls
// within rng. Day prefixes are listed concurrently.
func (a *S3Archive) ListScans(ctx context.Context, site types.SiteID, rng types.TimeRange) ([]ScanRef, error) {
	start := rng.Start.Time().Truncate(24 * time.Hour)
	end := rng.End.Time()

	var (
		mu   sync.Mutex
		refs []ScanRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		prefix := fmt.Sprintf("%04d/%02d/%02d/%s/", day.Year(), day.Month(), day.Day(), site)
		g.Go(func() error {
			dayRefs, err := a.listPrefix(gctx, site, prefix, rng)
			if err != nil {
				return err
			}
			mu.Lock()
			refs = append(refs, dayRefs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Key.ScanStart < refs[j].Key.ScanStart })
	log.Debug("archive listed", "site", site, "scans", len(refs))
	return refs, nil
}

func (a *S3Archive) listPrefix(ctx context.Context, site types.SiteID, prefix string, rng types.TimeRange) ([]ScanRef, error) {
	var refs []ScanRef
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}
	err := a.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				name := strings.TrimPrefix(aws.StringValue(item.Key), prefix)
				start, ok := parseScanFileName(site, name)
				if !ok || !rng.Contains(start) {
					continue
				}
				refs = append(refs, ScanRef{
					Key:       types.ScanKey{Site: site, ScanStart: start},
					FileName:  name,
					SizeBytes: aws.Int64Value(item.Size),
				})
			}
			return !lastpage
		})
	if err != nil {
		return nil, errors.NewNetwork("listing "+prefix, err)
	}
	return refs, nil
}

// FetchVolume downloads one whole volume file.
func (a *S3Archive) FetchVolume(ctx context.Context, ref ScanRef) ([]byte, error) {
	key := fmt.Sprintf("%s/%s", dayPrefix(ref.Key), ref.FileName)
	out, err := a.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.NewNetwork("fetching "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.NewNetwork("reading "+key, err)
	}
	return data, nil
}

func dayPrefix(key types.ScanKey) string {
	t := key.ScanStart.Time()
	return fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), t.Month(), t.Day(), key.Site)
}

// parseScanFileName extracts the scan start from an archive object name
// like "KDMX20231114_221320_V06". Metadata companions ("_MDM") and
// foreign names are skipped.
func parseScanFileName(site types.SiteID, name string) (types.UnixMillis, bool) {
	if strings.HasSuffix(name, "_MDM") {
		return 0, false
	}
	if !strings.HasPrefix(name, string(site)) {
		return 0, false
	}
	stamp := strings.TrimPrefix(name, string(site))
	if len(stamp) < 15 {
		return 0, false
	}
	t, err := time.Parse("20060102_150405", stamp[:15])
	if err != nil {
		return 0, false
	}
	return types.UnixMillisFromTime(t), true
}
