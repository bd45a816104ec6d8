// Package detector turns an image into a per-category PPE detection result
// by calling a hosted Roboflow object detection model.
//
// Model class names are mapped onto categories by case-insensitive substring
// match against an alias table (hard_hat → helmet, hi_vis → jacket, ...).
// When several predictions map to one category the highest confidence wins.
// The detector applies no confidence floor; that is the decision engine's job.
package detector
