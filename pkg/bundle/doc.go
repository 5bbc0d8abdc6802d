// Package bundle assembles the build context of a sandbox image and names
// the image after its contents, so identical bundles map to the same
// reference and an existing image can be reused without rebuilding.
package bundle
