// Command facefit fits a parametric face model to captured scans.
//
//	facefit synth --out captures/ --count 20
//	facefit fit captures/subject_000.capture.json
//	facefit eval captures/ --csv metrics.csv
package main

func main() {
	Execute()
}
