package writer

import (
	"fmt"
	"path/filepath"
	"time"
)

// Fixed names inside a run or image directory.
const (
	LogFile          = "local_analysis.log"
	IndexFile        = "index.db"
	OriginalImage    = "original_img.png"
	MostActivatedDir = "most_activated_prototypes"
)

// RunDirLayout is the time layout of a run directory name.
const RunDirLayout = "2006-01-02_15-04-05"

// RunDir returns the directory of a run started at t.
func RunDir(outputDir string, t time.Time) string {
	return filepath.Join(outputDir, t.Format(RunDirLayout))
}

// ImageDir returns the directory of one analyzed image, named after its
// file including the extension so that DME-1.png and DME-1.jpeg from the
// same input directory get separate trees.
func ImageDir(runDir, imageName string) string {
	return filepath.Join(runDir, filepath.Base(imageName))
}

// ClassDir is the directory of the class ranked rank by logit.
func ClassDir(rank int) string {
	return fmt.Sprintf("top-%d_class_prototypes", rank)
}

// Names builds the artifact file names of one ranked prototype.
type Names struct {
	// Rank is the 1-based rank within its listing.
	Rank int
	// Prototype is the prototype index.
	Prototype int
}

// Reference is the copy of the prototype's training-set image.
func (n Names) Reference() string {
	return fmt.Sprintf("top-%d_activated_prototype.png", n.Rank)
}

// ReferenceWithBox is the copy of the prototype's boxed training-set image.
func (n Names) ReferenceWithBox() string {
	return fmt.Sprintf("top-%d_activated_prototype_with_box.png", n.Rank)
}

func (n Names) prefix() string {
	return fmt.Sprintf("top-%d_activated_prototype_%d", n.Rank, n.Prototype)
}

// ElementPatch is the crop under kernel element e.
func (n Names) ElementPatch(e int) string {
	return fmt.Sprintf("%s_patch_%d.png", n.prefix(), e)
}

// ElementWithBox is the image with only element e's box drawn.
func (n Names) ElementWithBox(e int) string {
	return fmt.Sprintf("%s_patch_%d-with_box.png", n.prefix(), e)
}

// AllElementsWithBox is the image with every element box drawn.
func (n Names) AllElementsWithBox() string {
	return n.prefix() + "-with_box.png"
}

// HighActivationPatch is the crop of the high-activation region.
func (n Names) HighActivationPatch() string {
	return fmt.Sprintf("most_highly_activated_patch_by_top-%d_prototype.png", n.Rank)
}

// HighActivationInImage is the image with the high-activation region boxed.
func (n Names) HighActivationInImage() string {
	return fmt.Sprintf("most_highly_activated_patch_in_original_img_by_top-%d_prototype.png", n.Rank)
}

// ActivationMap is the heatmap overlay.
func (n Names) ActivationMap() string {
	return fmt.Sprintf("prototype_activation_map_by_top-%d_prototype.png", n.Rank)
}

// PrototypeImage is the reference image of a prototype in the model's image
// directory.
func PrototypeImage(dir string, prototype int) string {
	return filepath.Join(dir, fmt.Sprintf("prototype-img%d.png", prototype))
}

// PrototypeImageWithBox is the boxed reference image of a prototype.
func PrototypeImageWithBox(dir string, prototype int) string {
	return filepath.Join(dir, fmt.Sprintf("prototype-img-with_box%d.png", prototype))
}
