// Provides platform-appropriate paths for stagehand.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The program name "stagehand" is used as the subdirectory under
// each base path.
package paths
