package calibration

import (
	"encoding/json"
	"image"
	"io"
	"math"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	viamutils "go.viam.com/utils"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/spatialmath"
	"github.com/viam-labs/rgbd-calibration/transform"
	"github.com/viam-labs/rgbd-calibration/undistortion"
	"github.com/viam-labs/rgbd-calibration/utils"
)

// Config collects everything the pipeline needs besides the frames
// themselves.
type Config struct {
	Board           Checkerboard                       `json:"checkerboard"`
	ColorIntrinsics *transform.PinholeCameraIntrinsics `json:"color_intrinsics"`
	DepthIntrinsics *transform.PinholeCameraIntrinsics `json:"depth_intrinsics"`
	// DepthError maps measured depth to its expected noise standard
	// deviation; it weights residuals and is never refined.
	DepthError undistortion.Polynomial `json:"depth_error"`

	// EstimateDepthUndistortion enables the local/global undistortion model
	// pipeline.
	EstimateDepthUndistortion bool `json:"estimate_depth_undistortion"`
	// LocalBinWidth and LocalBinHeight size the local model's pixel bins.
	LocalBinWidth  int `json:"local_bin_width"`
	LocalBinHeight int `json:"local_bin_height"`
	// DownsampleRatio reduces incoming cloud resolution; 0 or 1 keeps full
	// resolution.
	DownsampleRatio int `json:"downsample_ratio"`
	// SampleSeed drives bootstrap frame sampling; 0 uses the default seed.
	SampleSeed int64 `json:"sample_seed"`

	// InitialExtrinsic, when set, skips bootstrap estimation.
	InitialExtrinsic *spatialmath.Pose `json:"-"`
}

// Validate checks the configuration for contract violations.
func (c *Config) Validate() error {
	if err := c.Board.CheckValid(); err != nil {
		return err
	}
	if err := c.ColorIntrinsics.CheckValid(); err != nil {
		return errors.Wrap(err, "color sensor")
	}
	if err := c.DepthIntrinsics.CheckValid(); err != nil {
		return errors.Wrap(err, "depth sensor")
	}
	if len(c.DepthError) == 0 {
		return errors.New("depth error function coefficients are required")
	}
	if c.DownsampleRatio < 0 {
		return errors.Errorf("downsample ratio must be >= 1, got %d", c.DownsampleRatio)
	}
	if c.EstimateDepthUndistortion && (c.LocalBinWidth <= 0 || c.LocalBinHeight <= 0) {
		return errors.Errorf("local model bin size must be positive, got %dx%d", c.LocalBinWidth, c.LocalBinHeight)
	}
	return nil
}

// NewConfigFromJSONFile loads a configuration from a JSON file.
func NewConfigFromJSONFile(jsonPath string) (*Config, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer viamutils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	cfg := &Config{}
	if err := json.Unmarshal(byteValue, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return cfg, nil
}

// Calibration owns the frame records and checkerboard views and sequences
// the pipeline: bootstrap extrinsic estimation, undistortion model fitting,
// transform-only refinement (Perform), then the full joint refinement
// (Optimize). It is not safe for concurrent use; a solve is the sole writer
// of the extrinsic pose and the models while it runs.
type Calibration struct {
	cfg       Config
	extractor ViewExtractor
	publisher Publisher
	logger    golog.Logger

	records []*FrameRecord
	views   []*CheckerboardView
	nextID  int

	extrinsic    spatialmath.Pose
	hasExtrinsic bool

	local  *undistortion.LocalModel
	global *undistortion.GlobalModel

	optimizedIntrinsics *transform.PinholeCameraIntrinsics
}

// New creates a calibration over the given configuration and extractor.
func New(cfg Config, extractor ViewExtractor, logger golog.Logger) (*Calibration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, errors.New("a view extractor is required")
	}
	if cfg.DownsampleRatio == 0 {
		cfg.DownsampleRatio = 1
	}
	if cfg.SampleSeed == 0 {
		cfg.SampleSeed = DefaultBootstrapSeed
	}
	c := &Calibration{
		cfg:       cfg,
		extractor: extractor,
		logger:    logger,
		extrinsic: spatialmath.NewPoseIdentity(),
	}
	if cfg.InitialExtrinsic != nil {
		c.extrinsic = *cfg.InitialExtrinsic
		c.hasExtrinsic = true
	}
	return c, nil
}

// AddFrame ingests one synchronized color image and depth cloud,
// downsampling the cloud by the configured ratio.
func (c *Calibration) AddFrame(color image.Image, cloud *pointcloud.Cloud) (*FrameRecord, error) {
	record, err := NewFrameRecord(c.nextID, color, cloud, c.cfg.DownsampleRatio)
	if err != nil {
		return nil, err
	}
	c.nextID++
	c.records = append(c.records, record)
	return record, nil
}

// Records returns the ingested frame records in arrival order.
func (c *Calibration) Records() []*FrameRecord { return c.records }

// Views returns the checkerboard views, slot-aligned with the records they
// came from; discarded views are nil.
func (c *Calibration) Views() []*CheckerboardView { return c.views }

// Extrinsic returns the current color-to-depth transform estimate.
func (c *Calibration) Extrinsic() spatialmath.Pose { return c.extrinsic }

// SetExtrinsic installs an extrinsic estimate, skipping bootstrap.
func (c *Calibration) SetExtrinsic(pose spatialmath.Pose) {
	c.extrinsic = pose
	c.hasExtrinsic = true
}

// LocalModel returns the fitted local undistortion model, or nil before
// Perform runs with undistortion enabled.
func (c *Calibration) LocalModel() *undistortion.LocalModel { return c.local }

// GlobalModel returns the fitted global undistortion model, or nil before
// Perform runs with undistortion enabled.
func (c *Calibration) GlobalModel() *undistortion.GlobalModel { return c.global }

// UndistortCloud applies the estimated two-stage depth correction, local
// then global, returning a corrected copy of the cloud. It is the
// application entry point for clouds from the calibrated sensor; the models
// must have been estimated by Perform.
func (c *Calibration) UndistortCloud(cloud *pointcloud.Cloud) (*pointcloud.Cloud, error) {
	if c.local == nil || c.global == nil {
		return nil, errors.New("undistortion models have not been estimated")
	}
	out := cloud.Clone()
	c.local.Undistort(out)
	c.global.Undistort(out)
	return out, nil
}

// OptimizedIntrinsics returns the depth intrinsics with the refinement
// delta applied, or nil before Optimize runs in full mode.
func (c *Calibration) OptimizedIntrinsics() *transform.PinholeCameraIntrinsics {
	return c.optimizedIntrinsics
}

// SetPublisher installs a sink for PublishData.
func (c *Calibration) SetPublisher(p Publisher) { c.publisher = p }

// planeGate is the inlier distance threshold used when fitting the board
// plane to depth points, widened with the expected noise at that depth.
func (c *Calibration) planeGate(z float64) float64 {
	return math.Max(0.02, 3*depthSigma(c.cfg.DepthError, z))
}

// Perform runs the calibration pass: bootstrap the extrinsic if none is
// set, optionally estimate the undistortion models (discarding views whose
// plane cannot be re-derived), then refine the extrinsic and board poses in
// transform-only mode.
func (c *Calibration) Perform() error {
	if len(c.records) == 0 {
		return errors.New("no frames have been added")
	}
	if !c.hasExtrinsic {
		est := NewInitialTransformEstimator(c.cfg.Board, c.extractor, c.logger)
		est.Seed = c.cfg.SampleSeed
		c.extrinsic = est.Estimate(c.records)
		c.hasExtrinsic = true
	}

	if c.cfg.EstimateDepthUndistortion {
		if err := c.estimateUndistortion(); err != nil {
			return err
		}
	} else if err := c.extractAllViews(); err != nil {
		return err
	}

	pose, err := optimizeTransform(c.views, c.cfg.Board, c.cfg.ColorIntrinsics, c.cfg.DepthError, c.extrinsic, c.logger)
	if err != nil {
		return err
	}
	c.extrinsic = pose
	return nil
}

// Optimize runs the refinement pass. With undistortion enabled it builds a
// working copy of every surviving view, its cloud locally undistorted and
// its plane re-derived, and jointly refines extrinsics, board poses, the
// global model and the depth intrinsics; otherwise it reruns the
// transform-only refinement.
func (c *Calibration) Optimize() error {
	if c.views == nil {
		return errors.New("Perform must run before Optimize")
	}
	if !c.cfg.EstimateDepthUndistortion {
		pose, err := optimizeTransform(c.views, c.cfg.Board, c.cfg.ColorIntrinsics, c.cfg.DepthError, c.extrinsic, c.logger)
		if err != nil {
			return err
		}
		c.extrinsic = pose
		return nil
	}
	if c.local == nil || c.global == nil {
		return errors.New("undistortion models have not been estimated")
	}

	// Each slot is written by exactly one worker; sources are read-only.
	copies := make([]*CheckerboardView, len(c.views))
	utils.ParallelFor(len(c.views), func(i int) {
		view := c.views[i]
		if !view.HasPlane() {
			return
		}
		und := view.Record.Cloud.Clone()
		c.local.Undistort(und)
		seed := c.cfg.Board.PlaneAt(view.BoardPose).Transform(c.extrinsic)
		fit, err := pointcloud.FitPlaneToCloud(und, seed, c.planeGate, 10, minPlaneInliers)
		if err != nil {
			return
		}
		copies[i] = &CheckerboardView{
			Record:       &FrameRecord{ID: view.Record.ID, Color: view.Record.Color, Cloud: und},
			BoardPose:    view.BoardPose,
			ImageCorners: view.ImageCorners,
			PlaneFit:     fit,
		}
	})
	usable := countViews(copies)
	c.logger.Infow("undistorted view copies built", "usable", usable, "total", countViews(c.views))
	if usable == 0 {
		return errors.New("no views survived undistortion for full optimization")
	}

	result, err := optimizeFull(copies, c.cfg.Board, c.cfg.ColorIntrinsics, c.cfg.DepthIntrinsics,
		c.global, c.cfg.DepthError, c.extrinsic, c.logger)
	if err != nil {
		return err
	}
	c.extrinsic = result.Extrinsic
	c.optimizedIntrinsics = &transform.PinholeCameraIntrinsics{
		Width:  c.cfg.DepthIntrinsics.Width,
		Height: c.cfg.DepthIntrinsics.Height,
		Fx:     c.cfg.DepthIntrinsics.Fx * result.Delta[0],
		Fy:     c.cfg.DepthIntrinsics.Fy * result.Delta[1],
		Ppx:    c.cfg.DepthIntrinsics.Ppx + result.Delta[2],
		Ppy:    c.cfg.DepthIntrinsics.Ppy + result.Delta[3],
	}
	return nil
}

// minPlaneInliers matches the undistortion estimator's acceptance bound for
// a re-derived plane.
const minPlaneInliers = 30

// extractAllViews runs full extraction over every record, keeping views
// that found both the board and its depth plane. Per-record failures are
// logged and skipped.
func (c *Calibration) extractAllViews() error {
	views := make([]*CheckerboardView, len(c.records))
	var extractErr error
	for i, record := range c.records {
		view, err := c.extractor.ExtractView(record, c.cfg.Board)
		if err != nil {
			extractErr = multierr.Append(extractErr, errors.Wrapf(err, "frame %d", record.ID))
			continue
		}
		if !view.HasPlane() {
			continue
		}
		views[i] = view
	}
	if extractErr != nil {
		c.logger.Debugw("some frames failed extraction", "error", extractErr)
	}
	c.views = views
	c.logger.Infow("views extracted", "usable", countViews(views), "frames", len(c.records))
	return nil
}

// estimateUndistortion runs the three-phase undistortion pipeline over
// image-only detections: local per-bin fit, plane re-fit on undistorted
// clouds, then the global fit. Views whose plane cannot be re-derived are
// discarded; surviving views receive the re-fitted plane.
func (c *Calibration) estimateUndistortion() error {
	views, err := c.extractor.ExtractImageViews(c.records, c.cfg.Board)
	if err != nil {
		return err
	}
	if len(views) != len(c.records) {
		return errors.Errorf("extractor returned %d view slots for %d records", len(views), len(c.records))
	}

	cloudW, cloudH := c.cloudResolution()
	local, err := undistortion.NewLocalModel(cloudW, cloudH, c.cfg.LocalBinWidth, c.cfg.LocalBinHeight)
	if err != nil {
		return err
	}
	global, err := undistortion.NewGlobalModel(c.cfg.DepthIntrinsics.Width, c.cfg.DepthIntrinsics.Height)
	if err != nil {
		return err
	}
	est, err := undistortion.NewEstimator(c.cfg.DepthError, local, global, c.logger)
	if err != nil {
		return err
	}

	frames := make(map[int]*undistortion.DepthData, len(views))
	for i, view := range views {
		if view == nil {
			continue
		}
		expected := c.cfg.Board.PlaneAt(view.BoardPose).Transform(c.extrinsic)
		dd, err := est.AddDepthData(view.Record.ID, view.Record.Cloud, expected)
		if err != nil {
			return err
		}
		frames[i] = dd
	}

	if err := est.EstimateLocalModel(); err != nil {
		return err
	}
	if err := est.EstimateLocalModelReverse(); err != nil {
		return err
	}
	if err := est.EstimateGlobalModel(); err != nil {
		return err
	}

	kept := 0
	for i, dd := range frames {
		if !dd.PlaneExtracted {
			views[i] = nil
			continue
		}
		views[i].PlaneFit = dd.EstimatedPlane
		kept++
	}
	c.views = views
	c.local = local
	c.global = global
	c.logger.Infow("undistortion models estimated", "usable_views", kept, "frames", len(c.records))
	return nil
}

// cloudResolution returns the (possibly downsampled) depth cloud size.
func (c *Calibration) cloudResolution() (int, int) {
	for _, record := range c.records {
		if record.Cloud != nil {
			return record.Cloud.Width(), record.Cloud.Height()
		}
	}
	return c.cfg.DepthIntrinsics.Width, c.cfg.DepthIntrinsics.Height
}

// PublishData hands the sensors' poses, every record and every surviving
// view to the installed publisher. A nil publisher makes this a no-op.
func (c *Calibration) PublishData() {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishPose("depth", spatialmath.NewPoseIdentity())
	c.publisher.PublishPose("color", c.extrinsic)
	for _, record := range c.records {
		c.publisher.PublishRecord(record)
	}
	for _, view := range c.views {
		if view != nil {
			c.publisher.PublishView(view)
		}
	}
}
